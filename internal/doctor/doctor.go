// Package doctor inspects a table's metadata for damage left by crashed or
// racing writers.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strata-project/strata/internal/audit"
	"github.com/strata-project/strata/internal/lock"
	"github.com/strata-project/strata/internal/naming"
	"github.com/strata-project/strata/internal/storage"
	"github.com/strata-project/strata/internal/table"
	"github.com/strata-project/strata/internal/timeline"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/fsutil"
	"github.com/strata-project/strata/pkg/model"
)

// Severities, in increasing order.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
	Repaired []string  `json:"repaired,omitempty"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// Doctor performs table health checks. Timeline checks go through the
// store; lock and audit checks read the local table root and are skipped
// when it is empty.
type Doctor struct {
	store storage.Store
	root  string
	locks *lock.Manager
}

// NewDoctor creates a new doctor. locks may be nil.
func NewDoctor(store storage.Store, root string, locks *lock.Manager) *Doctor {
	return &Doctor{store: store, root: root, locks: locks}
}

// Check runs all diagnostic checks. strict adds audit chain verification.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true}

	tbl := d.checkFormat(ctx, result)
	if tbl == nil {
		return result, nil
	}
	if err := d.checkTimeline(ctx, tbl.Properties.LayoutVersion, result); err != nil {
		return nil, err
	}
	d.checkExpiredLocks(result)
	if strict {
		d.checkAudit(result)
	}
	return result, nil
}

// Repair removes orphan temp files and orphan completion claims from the
// timeline directory, then re-checks.
func (d *Doctor) Repair(ctx context.Context, strict bool) (*Result, error) {
	names, err := d.store.List(ctx, table.TimelineDir)
	if err != nil {
		return nil, err
	}
	var repaired []string
	for _, name := range names {
		if !fsutil.IsTemp(name) {
			continue
		}
		if _, err := d.store.Delete(ctx, storage.Join(table.TimelineDir, name)); err != nil {
			return nil, err
		}
		repaired = append(repaired, name)
	}
	if tbl, err := table.Load(ctx, d.store); err == nil {
		orphans, err := d.orphanClaims(ctx, naming.NewScheme(naming.Default(), tbl.Properties.LayoutVersion), names)
		if err != nil {
			return nil, err
		}
		for _, claim := range orphans {
			if _, err := d.store.Delete(ctx, claimPath(claim)); err != nil {
				return nil, err
			}
			repaired = append(repaired, storage.Join(timeline.ClaimDirName, claim))
		}
	}
	result, err := d.Check(ctx, strict)
	if err != nil {
		return nil, err
	}
	result.Repaired = repaired
	return result, nil
}

func (d *Doctor) checkFormat(ctx context.Context, result *Result) *table.Table {
	tbl, err := table.Load(ctx, d.store)
	if err == nil {
		return tbl
	}
	desc := fmt.Sprintf("cannot load table metadata: %v", err)
	if errors.Is(err, errclass.ErrNotFound) {
		desc = "format_version file missing"
	}
	result.add(Finding{
		Category:    "format",
		Description: desc,
		Severity:    SeverityCritical,
		Path:        table.FormatVersionFile,
	})
	return nil
}

func (d *Doctor) checkTimeline(ctx context.Context, layout model.LayoutVersion, result *Result) error {
	names, err := d.store.List(ctx, table.TimelineDir)
	if err != nil {
		return err
	}
	scheme := naming.NewScheme(naming.Default(), layout)

	type stages struct {
		files     []string
		completed []string
	}
	byTime := map[string]*stages{}
	var order []string

	for _, name := range names {
		path := storage.Join(table.TimelineDir, name)
		if fsutil.IsTemp(name) {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", name),
				Severity:    SeverityInfo,
				Path:        path,
			})
			continue
		}
		inst, ok := scheme.Parse(name)
		if !ok {
			result.add(Finding{
				Category:    "timeline",
				Description: fmt.Sprintf("unrecognized file in timeline directory: %s", name),
				Severity:    SeverityWarning,
				Path:        path,
			})
			continue
		}
		s, seen := byTime[inst.RequestedTime]
		if !seen {
			s = &stages{}
			byTime[inst.RequestedTime] = s
			order = append(order, inst.RequestedTime)
		}
		s.files = append(s.files, name)
		if inst.IsCompleted() {
			s.completed = append(s.completed, name)
		}
	}

	for _, ts := range order {
		s := byTime[ts]
		if len(s.completed) > 1 {
			result.add(Finding{
				Category:    "timeline",
				Description: fmt.Sprintf("instant %s completed more than once: %v", ts, s.completed),
				Severity:    SeverityCritical,
			})
		}
		if layout == model.LayoutLegacy && len(s.files) > 1 {
			result.add(Finding{
				Category:    "timeline",
				Description: fmt.Sprintf("instant %s has %d stage files, a transition was interrupted: %v", ts, len(s.files), s.files),
				Severity:    SeverityWarning,
			})
		}
	}

	orphans, err := d.orphanClaims(ctx, scheme, names)
	if err != nil {
		return err
	}
	for _, claim := range orphans {
		result.add(Finding{
			Category:    "timeline",
			Description: fmt.Sprintf("completion claim %s has no completed file; completing that instant fails until it is removed", claim),
			Severity:    SeverityWarning,
			Path:        claimPath(claim),
		})
	}
	return nil
}

// orphanClaims returns the completion claims with no completed file among
// names, the timeline directory listing.
func (d *Doctor) orphanClaims(ctx context.Context, scheme *naming.Scheme, names []string) ([]string, error) {
	claims, err := d.store.List(ctx, storage.Join(table.TimelineDir, timeline.ClaimDirName))
	if err != nil || len(claims) == 0 {
		return nil, err
	}
	completed := make(map[string]bool, len(names))
	for _, name := range names {
		if inst, ok := scheme.Parse(name); ok && inst.IsCompleted() {
			completed[timeline.ClaimName(inst)] = true
		}
	}
	var orphans []string
	for _, claim := range claims {
		if !completed[claim] {
			orphans = append(orphans, claim)
		}
	}
	return orphans, nil
}

func claimPath(claim string) string {
	return storage.Join(table.TimelineDir, timeline.ClaimDirName, claim)
}

func (d *Doctor) checkExpiredLocks(result *Result) {
	if d.locks == nil {
		return
	}
	names, err := d.locks.Names()
	if err != nil {
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("cannot list locks: %v", err),
			Severity:    SeverityError,
		})
		return
	}
	for _, name := range names {
		state, rec, _ := d.locks.Status(name)
		if state == model.LockStateExpired {
			result.add(Finding{
				Category:    "lock",
				Description: fmt.Sprintf("expired lock '%s' (since %s)", name, rec.ExpiresAt.Format(time.RFC3339)),
				Severity:    SeverityInfo,
			})
		}
	}
}

func (d *Doctor) checkAudit(result *Result) {
	if d.root == "" {
		return
	}
	path := table.AuditPath(d.root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	if _, err := audit.Verify(path); err != nil {
		severity := SeverityError
		if errors.Is(err, errclass.ErrAuditChainBroken) {
			severity = SeverityCritical
		}
		result.add(Finding{
			Category:    "audit",
			Description: err.Error(),
			Severity:    severity,
			Path:        filepath.ToSlash(path),
		})
	}
}
