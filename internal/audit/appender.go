// Package audit keeps a tamper-evident, hash-chained log of timeline
// transitions.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/strata-project/strata/pkg/codec"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
)

// FileName is the audit log inside a table's metadata directory.
const FileName = "audit.jsonl"

// FileAppender appends audit records to a JSONL file with hash chain.
// It satisfies the timeline's event sink.
type FileAppender struct {
	path   string
	layout string
	now    func() time.Time
	mu     sync.Mutex
}

// NewFileAppender creates a new FileAppender. layout is stamped on every
// record.
func NewFileAppender(path string, layout model.LayoutVersion) *FileAppender {
	return &FileAppender{path: path, layout: layout.String(), now: time.Now}
}

// Path returns the log location.
func (a *FileAppender) Path() string { return a.path }

// Append adds a new audit record to the log.
func (a *FileAppender) Append(eventType model.AuditEventType, inst model.Instant, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	// other processes append to the same log
	if err := lockFile(file); err != nil {
		return fmt.Errorf("flock audit log: %w", err)
	}
	defer unlockFile(file)

	prevHash, err := lastRecordHash(file)
	if err != nil {
		return fmt.Errorf("get last record hash: %w", err)
	}

	record := &model.AuditRecord{
		Timestamp: a.now().UTC(),
		EventType: eventType,
		Instant:   inst,
		Layout:    a.layout,
		Details:   details,
		PrevHash:  prevHash,
	}
	recordHash, err := computeRecordHash(record)
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}
	record.RecordHash = recordHash

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// GetLastRecordHash returns the hash of the last record in the log.
func (a *FileAppender) GetLastRecordHash() (model.HashValue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	return lastRecordHash(file)
}

func lastRecordHash(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, 0); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}

	var lastHash model.HashValue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue // skip malformed lines
		}
		lastHash = record.RecordHash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan audit log: %w", err)
	}
	return lastHash, nil
}

// ReadRecords returns every well-formed record in the log at path. A missing
// log has no records.
func ReadRecords(path string) ([]model.AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var records []model.AuditRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}

// Verify walks the log at path and checks every record hash and link. It
// returns the number of records checked, or ErrAuditChainBroken naming the
// first bad record.
func Verify(path string) (int, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return 0, err
	}
	var prev model.HashValue
	for i := range records {
		rec := &records[i]
		if rec.PrevHash != prev {
			return i, errclass.ErrAuditChainBroken.WithMessagef("record %d: prev_hash %q does not match %q", i+1, rec.PrevHash, prev)
		}
		want, err := computeRecordHash(rec)
		if err != nil {
			return i, err
		}
		if rec.RecordHash != want {
			return i, errclass.ErrAuditChainBroken.WithMessagef("record %d: record_hash mismatch", i+1)
		}
		prev = rec.RecordHash
	}
	return len(records), nil
}

func computeRecordHash(record *model.AuditRecord) (model.HashValue, error) {
	hashRecord := &model.AuditRecord{
		Timestamp: record.Timestamp,
		EventType: record.EventType,
		Instant:   record.Instant,
		Layout:    record.Layout,
		Details:   record.Details,
		PrevHash:  record.PrevHash,
	}

	data, err := codec.CanonicalMarshal(hashRecord)
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}

	hash := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(hash[:])), nil
}
