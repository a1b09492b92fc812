// Package table lays out a table's metadata directory and opens its
// timeline.
package table

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/strata-project/strata/internal/storage"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
	"github.com/strata-project/strata/pkg/pathutil"
)

const (
	FormatVersion     = 1
	MetaDirName       = ".strata"
	FormatVersionFile = MetaDirName + "/format_version"
	PropertiesFile    = MetaDirName + "/table.yaml"
	TimelineDir       = MetaDirName + "/timeline"
	ArchiveDir        = TimelineDir + "/archived"
	SchemaDir         = MetaDirName + "/.schema"
	AuditDir          = MetaDirName + "/audit"
	LockDir           = MetaDirName + "/locks"
)

// Properties is the persisted description of a table.
type Properties struct {
	Name          string              `yaml:"name" json:"name"`
	TableID       string              `yaml:"table_id" json:"table_id"`
	LayoutVersion model.LayoutVersion `yaml:"layout_version" json:"layout_version"`
	CreatedAt     time.Time           `yaml:"created_at" json:"created_at"`
}

// Table is an initialized table whose metadata lives in Store.
type Table struct {
	Store         storage.Store
	FormatVersion int
	Properties    Properties
}

// Init writes the metadata of a new table into store. It fails with
// ErrAlreadyExists when store already holds a table.
func Init(ctx context.Context, store storage.Store, name string, layout model.LayoutVersion) (*Table, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, err
	}
	if !layout.Valid() {
		return nil, errclass.ErrFormatUnsupported.WithMessagef("unknown layout version %d", int(layout))
	}
	exists, err := store.Exists(ctx, FormatVersionFile)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errclass.ErrAlreadyExists.WithMessage("table already initialized")
	}

	if err := store.MkdirAll(ctx, TimelineDir); err != nil {
		return nil, fmt.Errorf("create timeline directory: %w", err)
	}

	props := Properties{
		Name:          name,
		TableID:       uuid.NewString(),
		LayoutVersion: layout,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	data, err := yaml.Marshal(&props)
	if err != nil {
		return nil, fmt.Errorf("marshal table properties: %w", err)
	}
	if err := store.Create(ctx, PropertiesFile, data, false); err != nil {
		return nil, fmt.Errorf("write table properties: %w", err)
	}
	// format_version last: its presence marks a complete table
	if err := store.Create(ctx, FormatVersionFile, []byte(fmt.Sprintf("%d\n", FormatVersion)), false); err != nil {
		return nil, fmt.Errorf("write format_version: %w", err)
	}

	return &Table{Store: store, FormatVersion: FormatVersion, Properties: props}, nil
}

// Load reads the table metadata held in store.
func Load(ctx context.Context, store storage.Store) (*Table, error) {
	version, err := ReadFormatVersion(ctx, store)
	if err != nil {
		return nil, err
	}
	if version > FormatVersion {
		return nil, errclass.ErrFormatUnsupported.WithMessagef(
			"format version %d > supported %d", version, FormatVersion)
	}

	data, err := storage.ReadFile(ctx, store, PropertiesFile)
	if err != nil {
		return nil, fmt.Errorf("read table properties: %w", err)
	}
	var props Properties
	if err := yaml.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("parse table properties: %w", err)
	}
	if !props.LayoutVersion.Valid() {
		return nil, errclass.ErrFormatUnsupported.WithMessagef("unknown layout version %d", int(props.LayoutVersion))
	}
	return &Table{Store: store, FormatVersion: version, Properties: props}, nil
}

// ReadFormatVersion returns the format version recorded in store.
func ReadFormatVersion(ctx context.Context, store storage.Store) (int, error) {
	data, err := storage.ReadFile(ctx, store, FormatVersionFile)
	if err != nil {
		if errors.Is(err, errclass.ErrNotFound) {
			return 0, errclass.ErrNotFound.WithMessage("no strata table found (missing .strata/format_version)")
		}
		return 0, fmt.Errorf("read format_version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &version); err != nil {
		return 0, fmt.Errorf("parse format_version: %w", err)
	}
	return version, nil
}

// Discover walks up from cwd to find the table root (directory containing
// .strata/).
func Discover(cwd string) (string, error) {
	path := cwd
	for {
		if info, err := os.Stat(filepath.Join(path, MetaDirName)); err == nil && info.IsDir() {
			return path, nil
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", errclass.ErrNotFound.WithMessage("no strata table found (no .strata/ in parent directories)")
		}
		path = parent
	}
}
