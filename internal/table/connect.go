package table

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/strata-project/strata/internal/audit"
	"github.com/strata-project/strata/internal/lock"
	"github.com/strata-project/strata/internal/storage"
	"github.com/strata-project/strata/internal/timegen"
	"github.com/strata-project/strata/internal/timeline"
	"github.com/strata-project/strata/pkg/config"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/metrics"
	"github.com/strata-project/strata/pkg/model"
)

// lockName is the lease guarding completion time minting.
const lockName = "timeline"

// Handle is an open table with its timeline and the resources behind them.
type Handle struct {
	Root     string
	Config   *config.Config
	Table    *Table
	Timeline *timeline.ActiveTimeline
	Audit    *audit.FileAppender

	closers []func() error
}

// ConnectOptions supplies collaborators that outlive a Handle.
type ConnectOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Store overrides the backend selected by the config.
	Store storage.Store
}

// OpenStore builds the storage backend cfg selects. A local store is rooted
// at root.
func OpenStore(cfg *config.Config, root string) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendLocal, "":
		return storage.NewLocal(root)
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendS3:
		s3cfg := cfg.Storage.S3
		client := storage.Connect(storage.S3Options{
			Endpoint:        s3cfg.Endpoint,
			Region:          s3cfg.Region,
			Bucket:          s3cfg.Bucket,
			Prefix:          s3cfg.Prefix,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		return storage.NewS3(client, s3cfg.Bucket, s3cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

// NewLocker builds the lock provider cfg selects. The returned close
// function releases any connection it opened.
func NewLocker(cfg *config.Config, root, tableID string) (timegen.Locker, func() error, error) {
	noop := func() error { return nil }
	ttl := config.Duration(cfg.Lock.LeaseTTL, model.DefaultLockPolicy().DefaultLeaseTTL)
	timeout := config.Duration(cfg.Lock.AcquireTimeout, model.DefaultLockPolicy().AcquireTimeout)

	switch cfg.Lock.Provider {
	case config.LockNone:
		return nil, noop, nil
	case config.LockInProcess, "":
		return lock.NewInProcessLocker(tableID), noop, nil
	case config.LockFile:
		return lock.NewFileLocker(LockManager(cfg, root), lockName, "mint completion time"), noop, nil
	case config.LockRedis:
		client := lock.NewRedisClient(lock.RedisOptions{
			Address:  cfg.Lock.Redis.Address,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		key := fmt.Sprintf("strata:%s:%s", tableID, lockName)
		return lock.NewRedisLocker(client, key, ttl, timeout), client.Close, nil
	case config.LockZooKeeper:
		session := config.Duration(cfg.Lock.ZooKeeper.SessionTimeout, 10*time.Second)
		conn, err := lock.DialZooKeeper(cfg.Lock.ZooKeeper.Servers, session)
		if err != nil {
			return nil, nil, err
		}
		path := fmt.Sprintf("%s/%s/%s", cfg.Lock.ZooKeeper.Path, tableID, lockName)
		return lock.NewZKLocker(conn, path), func() error { conn.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock provider: %s", cfg.Lock.Provider)
	}
}

// Connect loads the table at root and opens its timeline with the store,
// lock provider, time generator and audit log cfg describes.
func Connect(ctx context.Context, root string, cfg *config.Config, opts ConnectOptions) (*Handle, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = OpenStore(cfg, root); err != nil {
			return nil, err
		}
	}
	tbl, err := Load(ctx, store)
	if err != nil {
		return nil, err
	}

	h := &Handle{Root: root, Config: cfg, Table: tbl}
	locker, closeLocker, err := NewLocker(cfg, root, tbl.Properties.TableID)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, closeLocker)

	genOpts := timegen.Options{
		MaxClockSkew: config.Duration(cfg.TimeGenerator.MaxClockSkew, 0),
		Location:     cfg.TimeGenerator.Location(),
	}
	if opts.Metrics != nil {
		genOpts.OnLockWait = opts.Metrics.RecordLockWait
	}

	tlOpts := timeline.Options{
		Store:     store,
		Dir:       TimelineDir,
		SchemaDir: SchemaDir,
		Layout:    tbl.Properties.LayoutVersion,
		TimeGen:   timegen.New(locker, genOpts),
		Logger:    opts.Logger.WithFields(logging.Fields{"table": tbl.Properties.Name}),
		Metrics:   opts.Metrics,
	}
	if cfg.Audit.Enabled {
		h.Audit = audit.NewFileAppender(AuditPath(root), tbl.Properties.LayoutVersion)
		tlOpts.Events = h.Audit
	}

	h.Timeline, err = timeline.Open(ctx, tlOpts)
	if err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// AuditPath returns the audit log location for a table rooted at root.
func AuditPath(root string) string {
	return filepath.Join(root, filepath.FromSlash(AuditDir), audit.FileName)
}

// LockManager returns the lease manager used by the file lock provider.
func LockManager(cfg *config.Config, root string) *lock.Manager {
	policy := model.DefaultLockPolicy()
	policy.DefaultLeaseTTL = config.Duration(cfg.Lock.LeaseTTL, policy.DefaultLeaseTTL)
	policy.AcquireTimeout = config.Duration(cfg.Lock.AcquireTimeout, policy.AcquireTimeout)
	return lock.NewManager(filepath.Join(root, filepath.FromSlash(LockDir)), policy)
}

// Close releases the resources opened by Connect.
func (h *Handle) Close() error {
	var errs []error
	for _, c := range h.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
