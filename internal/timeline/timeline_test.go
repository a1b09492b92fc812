package timeline_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/strata-project/strata/internal/lock"
	"github.com/strata-project/strata/internal/storage"
	"github.com/strata-project/strata/internal/timegen"
	"github.com/strata-project/strata/internal/timeline"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/metrics"
	"github.com/strata-project/strata/pkg/model"
)

const timelineDir = ".strata/timeline"

var layouts = []model.LayoutVersion{model.LayoutLegacy, model.LayoutModern}

type recordingSink struct {
	mu     sync.Mutex
	events []model.AuditEventType
}

func (s *recordingSink) Append(eventType model.AuditEventType, inst model.Instant, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	return nil
}

func openTimeline(t *testing.T, store storage.Store, layout model.LayoutVersion, mutate ...func(*timeline.Options)) *timeline.ActiveTimeline {
	t.Helper()
	opts := timeline.Options{
		Store:  store,
		Dir:    timelineDir,
		Layout: layout,
		Logger: logging.Discard(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	tl, err := timeline.Open(context.Background(), opts)
	require.NoError(t, err)
	return tl
}

func newLocalStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return s
}

// rendezvousStore holds the first n Exists calls on keys ending in suffix
// until all n have arrived, so racing writers pass their source check
// together.
type rendezvousStore struct {
	storage.Store
	suffix  string
	mu      sync.Mutex
	pending int
	all     chan struct{}
}

func newRendezvousStore(s storage.Store, suffix string, n int) *rendezvousStore {
	return &rendezvousStore{Store: s, suffix: suffix, pending: n, all: make(chan struct{})}
}

func (s *rendezvousStore) Exists(ctx context.Context, key string) (bool, error) {
	if strings.HasSuffix(key, s.suffix) {
		s.mu.Lock()
		if s.pending > 0 {
			s.pending--
			if s.pending == 0 {
				close(s.all)
			}
		}
		s.mu.Unlock()
		select {
		case <-s.all:
		case <-time.After(2 * time.Second):
		}
	}
	return s.Store.Exists(ctx, key)
}

func listFiles(t *testing.T, store storage.Store) []string {
	t.Helper()
	names, err := store.List(context.Background(), timelineDir)
	require.NoError(t, err)
	return names
}

func TestOpen_RejectsUnknownLayout(t *testing.T) {
	_, err := timeline.Open(context.Background(), timeline.Options{
		Store:  storage.NewMemory(),
		Dir:    timelineDir,
		Layout: model.LayoutVersion(7),
	})
	require.ErrorIs(t, err, errclass.ErrFormatUnsupported)
}

func TestCommitLifecycle_PayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := newLocalStore(t)
			tl := openTimeline(t, store, layout)

			requested := model.NewInstant(model.StateRequested, model.ActionCommit, "20240101000000")
			require.NoError(t, tl.CreateNewInstant(ctx, requested))

			inflight, err := tl.TransitionRequestedToInflight(ctx, requested, nil, false)
			require.NoError(t, err)
			assert.Equal(t, model.NewInstant(model.StateInflight, model.ActionCommit, "20240101000000"), inflight)

			completed, err := tl.SaveAsComplete(ctx, false, inflight, []byte(`{"k":"v"}`), "")
			require.NoError(t, err)
			assert.Equal(t, model.StateCompleted, completed.State)
			assert.Equal(t, "20240101000000", completed.RequestedTime)
			if layout == model.LayoutModern {
				assert.NotEmpty(t, completed.CompletionTime)
			} else {
				assert.Empty(t, completed.CompletionTime)
			}

			data, err := tl.InstantDetails(ctx, completed)
			require.NoError(t, err)
			assert.Equal(t, `{"k":"v"}`, string(data))

			// callers often hold the instant without its completion time
			require.NoError(t, tl.Reload(ctx))
			data, err = tl.InstantDetails(ctx, model.NewInstant(model.StateCompleted, model.ActionCommit, "20240101000000"))
			require.NoError(t, err)
			assert.Equal(t, `{"k":"v"}`, string(data))

			var completedFiles int
			for _, name := range listFiles(t, store) {
				if strings.HasPrefix(name, "20240101000000") && strings.HasSuffix(name, ".commit") {
					completedFiles++
				}
			}
			assert.Equal(t, 1, completedFiles)

			loaded, ok := tl.View().Completed().Last()
			require.True(t, ok)
			assert.Equal(t, completed, loaded)
		})
	}
}

func TestReload_Idempotent(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			tl := openTimeline(t, newLocalStore(t), layout)
			for _, ts := range []string{"003", "001", "002"} {
				require.NoError(t, tl.CreateNewInstant(ctx, model.NewInstant(model.StateRequested, model.ActionDeltaCommit, ts)))
			}
			require.NoError(t, tl.Reload(ctx))
			first := tl.View().Instants()
			require.NoError(t, tl.Reload(ctx))
			assert.Equal(t, first, tl.View().Instants())
			assert.Equal(t, []string{"001", "002", "003"}, requestedTimes(first))
		})
	}
}

func TestReload_IgnoresUnknownFiles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	for _, name := range []string{"001.commit", "hoodie.properties", "002.unknown", ".strata-tmp-123", "abc.commit", "003_004.inflight"} {
		require.NoError(t, store.Create(ctx, timelineDir+"/"+name, nil, false))
	}
	tl := openTimeline(t, store, model.LayoutModern)
	assert.Equal(t, []model.Instant{model.NewInstant(model.StateCompleted, model.ActionCommit, "001")}, tl.View().Instants())
}

func TestTransitionsDoNotTouchView(t *testing.T) {
	ctx := context.Background()
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern)
	require.NoError(t, tl.CreateNewInstant(ctx, model.NewInstant(model.StateRequested, model.ActionCommit, "001")))
	assert.True(t, tl.View().Empty())
	require.NoError(t, tl.Reload(ctx))
	assert.Equal(t, 1, tl.View().Len())
}

func TestCreateNewInstant(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := storage.NewMemory()
			tl := openTimeline(t, store, layout)
			inst := model.NewInstant(model.StateRequested, model.ActionCommit, "001")

			require.NoError(t, tl.CreateNewInstant(ctx, inst))
			require.ErrorIs(t, tl.CreateNewInstant(ctx, inst), errclass.ErrAlreadyExists)

			err := tl.CreateNewInstant(ctx, model.NewInstant(model.StateCompleted, model.ActionCommit, "002"))
			require.ErrorIs(t, err, errclass.ErrValidation)

			err = tl.CreateNewInstant(ctx, model.NewInstant(model.StateRequested, model.ActionSavepoint, "003"))
			require.ErrorIs(t, err, errclass.ErrValidation, "savepoint has no requested form")

			err = tl.CreateNewInstant(ctx, model.NewInstant(model.StateRequested, model.ActionCommit, "../x"))
			require.ErrorIs(t, err, errclass.ErrValidation)

			assert.Equal(t, []string{"001.commit.requested"}, listFiles(t, store))
		})
	}
}

func TestSaveAsComplete_AlreadyCompletedIsValidation(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := storage.NewMemory()
			tl := openTimeline(t, store, layout)
			inflight := model.NewInstant(model.StateInflight, model.ActionCommit, "001")
			require.NoError(t, tl.CreateNewInstant(ctx, inflight))
			completed, err := tl.SaveAsComplete(ctx, false, inflight, nil, "")
			require.NoError(t, err)

			before := listFiles(t, store)
			_, err = tl.SaveAsComplete(ctx, false, completed, []byte("again"), "")
			require.ErrorIs(t, err, errclass.ErrValidation)
			_, err = tl.TransitionCleanInflightToComplete(ctx, false, completed, nil)
			require.ErrorIs(t, err, errclass.ErrValidation)
			assert.Equal(t, before, listFiles(t, store))
		})
	}
}

func TestTransition_MissingSourceIsNotFound(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := storage.NewMemory()
			tl := openTimeline(t, store, layout)

			_, err := tl.TransitionRequestedToInflight(ctx, model.NewInstant(model.StateRequested, model.ActionCommit, "001"), nil, false)
			require.ErrorIs(t, err, errclass.ErrNotFound)

			_, err = tl.SaveAsComplete(ctx, false, model.NewInstant(model.StateInflight, model.ActionCommit, "001"), []byte("x"), "")
			require.ErrorIs(t, err, errclass.ErrNotFound)

			assert.Empty(t, listFiles(t, store))
		})
	}
}

func TestTypedTransitions_RejectWrongAction(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tl := openTimeline(t, store, model.LayoutModern)
	requested := model.NewInstant(model.StateRequested, model.ActionCommit, "001")
	require.NoError(t, tl.CreateNewInstant(ctx, requested))

	_, err := tl.TransitionCompactionRequestedToInflight(ctx, requested)
	require.ErrorIs(t, err, errclass.ErrValidation)
	_, err = tl.TransitionCleanRequestedToInflight(ctx, requested)
	require.ErrorIs(t, err, errclass.ErrValidation)
	_, err = tl.TransitionIndexRequestedToInflight(ctx, requested)
	require.ErrorIs(t, err, errclass.ErrValidation)

	err = tl.SaveToCleanRequested(ctx, model.NewInstant(model.StateRequested, model.ActionRollback, "002"), nil)
	require.ErrorIs(t, err, errclass.ErrValidation)
	err = tl.SaveToRollbackRequested(ctx, model.NewInstant(model.StateInflight, model.ActionRollback, "002"), nil)
	require.ErrorIs(t, err, errclass.ErrValidation)

	assert.Equal(t, []string{"001.commit.requested"}, listFiles(t, store))
}

func TestCleanLifecycle_FileCounts(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		layout model.LayoutVersion
		files  int
	}{
		{model.LayoutLegacy, 1},
		{model.LayoutModern, 3},
	} {
		t.Run(tc.layout.String(), func(t *testing.T) {
			store := newLocalStore(t)
			tl := openTimeline(t, store, tc.layout)
			requested := model.NewInstant(model.StateRequested, model.ActionClean, "20240101000000")

			require.NoError(t, tl.SaveToCleanRequested(ctx, requested, []byte("plan")))
			assert.Len(t, listFiles(t, store), 1)

			inflight, err := tl.TransitionCleanRequestedToInflight(ctx, requested)
			require.NoError(t, err)
			if tc.layout == model.LayoutLegacy {
				assert.Equal(t, []string{"20240101000000.clean.inflight"}, listFiles(t, store))
			}

			completed, err := tl.TransitionCleanInflightToComplete(ctx, false, inflight, []byte("metadata"))
			require.NoError(t, err)

			names := listFiles(t, store)
			assert.Len(t, names, tc.files)
			if tc.layout == model.LayoutModern {
				assert.Contains(t, names, "20240101000000.clean.requested")
				assert.Contains(t, names, "20240101000000.clean.inflight")
				assert.Contains(t, names, "20240101000000_"+completed.CompletionTime+".clean")
			} else {
				assert.Equal(t, []string{"20240101000000.clean"}, names)
			}

			require.NoError(t, tl.Reload(ctx))
			for _, inst := range tl.View().Instants() {
				assert.Equal(t, "20240101000000", inst.RequestedTime)
			}

			// legacy renames the plan file forward
			plan, err := tl.InstantDetails(ctx, requested)
			if tc.layout == model.LayoutModern {
				require.NoError(t, err)
				assert.Equal(t, "plan", string(plan))
			} else {
				require.ErrorIs(t, err, errclass.ErrNotFound)
			}
			details, err := tl.InstantDetails(ctx, completed)
			require.NoError(t, err)
			assert.Equal(t, "metadata", string(details))
		})
	}
}

func TestConcurrentComplete_ExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := newLocalStore(t)
			locker := lock.NewInProcessLocker(t.Name())
			writers := make([]*timeline.ActiveTimeline, 4)
			for i := range writers {
				writers[i] = openTimeline(t, store, layout, func(o *timeline.Options) {
					o.TimeGen = timegen.New(locker, timegen.Options{})
				})
			}

			inflight := model.NewInstant(model.StateInflight, model.ActionDeltaCommit, "20240101000000")
			require.NoError(t, writers[0].CreateNewInstant(ctx, model.NewInstant(model.StateRequested, model.ActionDeltaCommit, "20240101000000")))
			_, err := writers[0].TransitionRequestedToInflight(ctx, inflight.WithState(model.StateRequested), nil, false)
			require.NoError(t, err)

			errs := make([]error, len(writers))
			var g errgroup.Group
			for i, w := range writers {
				i, w := i, w
				g.Go(func() error {
					_, errs[i] = w.SaveAsComplete(ctx, true, inflight, []byte("payload"), "")
					return nil
				})
			}
			require.NoError(t, g.Wait())

			var wins int
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				assert.ErrorIs(t, err, errclass.ErrAlreadyExists)
			}
			assert.Equal(t, 1, wins)

			require.NoError(t, writers[0].Reload(ctx))
			completed := writers[0].View().Completed().Find("20240101000000")
			assert.Len(t, completed, 1)
		})
	}
}

func TestRevertCompleteToInflight_RestoresIdentity(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := newLocalStore(t)
			tl := openTimeline(t, store, layout)
			requested := model.NewInstant(model.StateRequested, model.ActionCommit, "001")
			require.NoError(t, tl.CreateNewInstant(ctx, requested))
			inflight, err := tl.TransitionRequestedToInflight(ctx, requested, nil, false)
			require.NoError(t, err)
			completed, err := tl.SaveAsComplete(ctx, false, inflight, []byte("x"), "")
			require.NoError(t, err)

			require.NoError(t, tl.RevertCompleteToInflight(ctx, completed, inflight))
			require.NoError(t, tl.Reload(ctx))

			assert.True(t, tl.View().Completed().Empty())
			last, ok := tl.View().Last()
			require.True(t, ok)
			assert.True(t, last.SameIdentity(inflight))

			// the same requested time can be completed again
			_, err = tl.SaveAsComplete(ctx, false, inflight, []byte("y"), "")
			require.NoError(t, err)
		})
	}
}

func TestRevertCompleteToInflight_Validation(t *testing.T) {
	ctx := context.Background()
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern)

	completed := model.NewCompletedInstant(model.ActionCommit, "001", "002")
	err := tl.RevertCompleteToInflight(ctx, completed, model.NewInstant(model.StateInflight, model.ActionCommit, "003"))
	require.ErrorIs(t, err, errclass.ErrValidation)
	err = tl.RevertCompleteToInflight(ctx, completed, model.NewInstant(model.StateRequested, model.ActionCommit, "001"))
	require.ErrorIs(t, err, errclass.ErrValidation)
	err = tl.RevertCompleteToInflight(ctx, completed, model.NewInstant(model.StateInflight, model.ActionClean, "001"))
	require.ErrorIs(t, err, errclass.ErrValidation)
}

func TestModernRevert_RecreatesMissingMarkers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tl := openTimeline(t, store, model.LayoutModern)

	completed, err := tl.CreateCompleteInstant(ctx, false, model.NewInstant(model.StateCompleted, model.ActionCommit, "001"), []byte("x"))
	require.NoError(t, err)
	require.NotEmpty(t, completed.CompletionTime)

	inflight, err := tl.RevertToInflight(ctx, completed)
	require.NoError(t, err)
	assert.Equal(t, model.NewInstant(model.StateInflight, model.ActionCommit, "001"), inflight)
	assert.Equal(t, []string{"001.commit.requested", "001.inflight"}, listFiles(t, store))
}

func TestCompaction_CompletesAsCommitAndRevertsToCompaction(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			tl := openTimeline(t, newLocalStore(t), layout)
			requested := model.NewInstant(model.StateRequested, model.ActionCompaction, "001")

			require.NoError(t, tl.SaveToCompactionRequested(ctx, requested, []byte("plan"), false))
			require.ErrorIs(t, tl.SaveToCompactionRequested(ctx, requested, []byte("plan2"), false), errclass.ErrAlreadyExists)
			require.NoError(t, tl.SaveToCompactionRequested(ctx, requested, []byte("plan3"), true))

			inflight, err := tl.TransitionCompactionRequestedToInflight(ctx, requested)
			require.NoError(t, err)
			completed, err := tl.TransitionCompactionInflightToComplete(ctx, false, inflight, []byte("meta"))
			require.NoError(t, err)
			assert.Equal(t, model.ActionCommit, completed.Action)

			require.NoError(t, tl.Reload(ctx))
			assert.Equal(t, 1, tl.View().CommitsTimeline().Completed().Len())

			want := model.NewInstant(model.StateInflight, model.ActionCompaction, "001")
			reverted := want
			if layout == model.LayoutModern {
				// the surviving compaction markers identify the source action
				reverted, err = tl.RevertToInflight(ctx, completed)
				require.NoError(t, err)
			} else {
				require.NoError(t, tl.RevertCompleteToInflight(ctx, completed, want))
			}
			assert.Equal(t, want, reverted)

			require.NoError(t, tl.Reload(ctx))
			last, ok := tl.View().Last()
			require.True(t, ok)
			assert.Equal(t, reverted, last)
		})
	}
}

func TestClusteringAndLogCompactionCompletionActions(t *testing.T) {
	ctx := context.Background()
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern)

	cluster := model.NewInstant(model.StateRequested, model.ActionClustering, "001")
	require.NoError(t, tl.SaveToPendingClusterCommit(ctx, cluster, []byte("plan")))
	inflight, err := tl.TransitionClusterRequestedToInflight(ctx, cluster, []byte("inflight-plan"))
	require.NoError(t, err)
	done, err := tl.TransitionClusterInflightToComplete(ctx, false, inflight, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ActionReplaceCommit, done.Action)

	logc := model.NewInstant(model.StateRequested, model.ActionLogCompaction, "002")
	require.NoError(t, tl.SaveToLogCompactionRequested(ctx, logc, nil, false))
	inflight, err = tl.TransitionLogCompactionRequestedToInflight(ctx, logc)
	require.NoError(t, err)
	done, err = tl.TransitionLogCompactionInflightToComplete(ctx, false, inflight, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ActionDeltaCommit, done.Action)
}

func TestRevertInflightToRequested(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := storage.NewMemory()
			tl := openTimeline(t, store, layout)
			requested := model.NewInstant(model.StateRequested, model.ActionLogCompaction, "001")
			require.NoError(t, tl.SaveToLogCompactionRequested(ctx, requested, []byte("plan"), false))
			inflight, err := tl.TransitionLogCompactionRequestedToInflight(ctx, requested)
			require.NoError(t, err)

			_, err = tl.RevertLogCompactionInflightToRequested(ctx, model.NewInstant(model.StateInflight, model.ActionCompaction, "001"))
			require.ErrorIs(t, err, errclass.ErrValidation)

			back, err := tl.RevertLogCompactionInflightToRequested(ctx, inflight)
			require.NoError(t, err)
			assert.Equal(t, requested, back)
			assert.Equal(t, []string{"001.logcompaction.requested"}, listFiles(t, store))

			plan, err := tl.InstantDetails(ctx, requested)
			require.NoError(t, err)
			assert.Equal(t, "plan", string(plan))
		})
	}
}

func TestDeleteEmptyInstantIfExists(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := storage.NewMemory()
			tl := openTimeline(t, store, layout)

			full, err := tl.CreateCompleteInstant(ctx, false, model.NewInstant(model.StateCompleted, model.ActionCommit, "001"), []byte(`{"k":"v"}`))
			require.NoError(t, err)
			require.ErrorIs(t, tl.DeleteEmptyInstantIfExists(ctx, full), errclass.ErrValidation)
			assert.Len(t, listFiles(t, store), 1)

			empty, err := tl.CreateCompleteInstant(ctx, false, model.NewInstant(model.StateCompleted, model.ActionCommit, "002"), nil)
			require.NoError(t, err)
			isEmpty, err := tl.IsEmpty(ctx, empty)
			require.NoError(t, err)
			assert.True(t, isEmpty)
			require.NoError(t, tl.DeleteEmptyInstantIfExists(ctx, empty))
			assert.Len(t, listFiles(t, store), 1)

			require.NoError(t, tl.DeleteEmptyInstantIfExists(ctx, empty), "absent instant is a no-op")
		})
	}
}

func TestDeleteOperations(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tl := openTimeline(t, store, model.LayoutModern)

	inflight := model.NewInstant(model.StateInflight, model.ActionCommit, "001")
	require.NoError(t, tl.CreateNewInstant(ctx, inflight))
	require.ErrorIs(t, tl.DeleteInflight(ctx, inflight.WithState(model.StateRequested)), errclass.ErrValidation)
	require.NoError(t, tl.DeleteInflight(ctx, inflight))
	require.ErrorIs(t, tl.DeleteInflight(ctx, inflight), errclass.ErrNotFound)

	compaction := model.NewInstant(model.StateRequested, model.ActionCompaction, "002")
	require.NoError(t, tl.SaveToCompactionRequested(ctx, compaction, nil, false))
	require.ErrorIs(t, tl.DeleteCompactionRequested(ctx, model.NewInstant(model.StateRequested, model.ActionCommit, "002")), errclass.ErrValidation)
	require.NoError(t, tl.DeleteCompactionRequested(ctx, compaction))

	pending := model.NewInstant(model.StateRequested, model.ActionRestore, "003")
	require.NoError(t, tl.SaveToRestoreRequested(ctx, pending, nil))
	require.NoError(t, tl.DeletePending(ctx, pending))

	rollback, err := tl.CreateCompleteInstant(ctx, false, model.NewInstant(model.StateCompleted, model.ActionRollback, "004"), nil)
	require.NoError(t, err)
	require.ErrorIs(t, tl.DeleteCompletedRollback(ctx, model.NewInstant(model.StateCompleted, model.ActionCommit, "004")), errclass.ErrValidation)
	require.NoError(t, tl.DeleteCompletedRollback(ctx, model.NewInstant(model.StateCompleted, model.ActionRollback, rollback.RequestedTime)))

	require.NoError(t, tl.DeleteInstantFileIfExists(ctx, model.NewInstant(model.StateRequested, model.ActionClean, "005")))
	assert.Empty(t, listFiles(t, store))
}

func TestSaveAsComplete_CompletionTimeOverride(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tl := openTimeline(t, store, model.LayoutModern)
	inflight := model.NewInstant(model.StateInflight, model.ActionReplaceCommit, "001")
	require.NoError(t, tl.CreateNewInstant(ctx, inflight))

	_, err := tl.SaveAsComplete(ctx, false, inflight, nil, "not-a-time")
	require.ErrorIs(t, err, errclass.ErrValidation)

	done, err := tl.TransitionReplaceInflightToComplete(ctx, false, inflight, nil)
	require.NoError(t, err)
	require.NoError(t, tl.RevertCompleteToInflight(ctx, done, inflight))

	done, err = tl.SaveAsComplete(ctx, false, inflight, nil, "20240101000000999")
	require.NoError(t, err)
	assert.Equal(t, "20240101000000999", done.CompletionTime)
	assert.Contains(t, listFiles(t, store), "001_20240101000000999.replacecommit")
}

func TestAllowRedundantTransitions(t *testing.T) {
	ctx := context.Background()
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern)
	requested := model.NewInstant(model.StateRequested, model.ActionCommit, "001")
	require.NoError(t, tl.CreateNewInstant(ctx, requested))
	_, err := tl.TransitionRequestedToInflight(ctx, requested, []byte("a"), false)
	require.NoError(t, err)

	_, err = tl.TransitionRequestedToInflight(ctx, requested, []byte("b"), false)
	require.ErrorIs(t, err, errclass.ErrAlreadyExists)

	inflight, err := tl.TransitionRequestedToInflight(ctx, requested, []byte("b"), true)
	require.NoError(t, err)
	data, err := tl.InstantDetails(ctx, inflight)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestLegacy_CreateCompleteAndRestoreRollbackIndex(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tl := openTimeline(t, store, model.LayoutLegacy)

	for _, tc := range []struct {
		action   model.Action
		save     func(context.Context, model.Instant, []byte) error
		inflight func(context.Context, model.Instant) (model.Instant, error)
		complete func(context.Context, bool, model.Instant, []byte) (model.Instant, error)
	}{
		{model.ActionRollback, tl.SaveToRollbackRequested, tl.TransitionRollbackRequestedToInflight, tl.TransitionRollbackInflightToComplete},
		{model.ActionRestore, tl.SaveToRestoreRequested, tl.TransitionRestoreRequestedToInflight, tl.TransitionRestoreInflightToComplete},
		{model.ActionIndexing, tl.SaveToPendingIndexAction, tl.TransitionIndexRequestedToInflight, tl.TransitionIndexInflightToComplete},
		{model.ActionReplaceCommit, tl.SaveToPendingReplaceCommit, func(ctx context.Context, i model.Instant) (model.Instant, error) {
			return tl.TransitionReplaceRequestedToInflight(ctx, i, nil)
		}, tl.TransitionReplaceInflightToComplete},
	} {
		requested := model.NewInstant(model.StateRequested, tc.action, "100")
		require.NoError(t, tc.save(ctx, requested, []byte("plan")), tc.action)
		inflight, err := tc.inflight(ctx, requested)
		require.NoError(t, err, tc.action)
		done, err := tc.complete(ctx, true, inflight, []byte("done"))
		require.NoError(t, err, tc.action)
		assert.Equal(t, tc.action, done.Action)
	}
	require.NoError(t, tl.Reload(ctx))
	assert.Equal(t, 4, tl.View().Completed().Len())
	assert.Equal(t, 4, len(listFiles(t, store)))
}

func TestCreateRequestedCommitWithReplaceMetadata(t *testing.T) {
	ctx := context.Background()
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern)
	inst, err := tl.CreateRequestedCommitWithReplaceMetadata(ctx, "001", model.ActionReplaceCommit, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, model.NewInstant(model.StateRequested, model.ActionReplaceCommit, "001"), inst)

	rc, err := tl.ContentStream(ctx, inst)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestCopyInstant(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tl := openTimeline(t, store, model.LayoutModern)
	done, err := tl.CreateCompleteInstant(ctx, false, model.NewInstant(model.StateCompleted, model.ActionSavepoint, "001"), []byte("sp"))
	require.NoError(t, err)

	require.NoError(t, tl.CopyInstant(ctx, done, "archive"))
	name, err := tl.FileName(done)
	require.NoError(t, err)
	data, err := storage.ReadFile(ctx, store, "archive/"+name)
	require.NoError(t, err)
	assert.Equal(t, "sp", string(data))
}

func TestMetricsAndEvents(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	sink := &recordingSink{}
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern, func(o *timeline.Options) {
		o.Metrics = reg
		o.Events = sink
	})

	requested := model.NewInstant(model.StateRequested, model.ActionCommit, "001")
	require.NoError(t, tl.CreateNewInstant(ctx, requested))
	inflight, err := tl.TransitionRequestedToInflight(ctx, requested, nil, false)
	require.NoError(t, err)
	_, err = tl.SaveAsComplete(ctx, false, inflight, nil, "")
	require.NoError(t, err)
	require.ErrorIs(t, tl.CreateNewInstant(ctx, requested), errclass.ErrAlreadyExists)

	assert.Equal(t, []model.AuditEventType{
		model.EventTypeInstantCreate,
		model.EventTypeInstantInflight,
		model.EventTypeInstantComplete,
	}, sink.events)

	count, err := testutilCount(reg, "strata_timeline_conflicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewInstantTime(t *testing.T) {
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern)
	a, err := tl.NewInstantTime(context.Background(), false)
	require.NoError(t, err)
	b, err := tl.NewInstantTime(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, a, 17)
	assert.Greater(t, b, a)
}

func TestValidExtensions(t *testing.T) {
	tl := openTimeline(t, storage.NewMemory(), model.LayoutLegacy)
	exts := tl.ValidExtensions()
	assert.Len(t, exts, 32)
	assert.Contains(t, exts, ".inflight")
}

func requestedTimes(instants []model.Instant) []string {
	out := make([]string, len(instants))
	for i, inst := range instants {
		out[i] = inst.RequestedTime
	}
	return out
}

func TestReload_ViewKeepsLatestStage(t *testing.T) {
	ctx := context.Background()
	tl := openTimeline(t, storage.NewMemory(), model.LayoutModern)

	requested := model.NewInstant(model.StateRequested, model.ActionCommit, "001")
	require.NoError(t, tl.CreateNewInstant(ctx, requested))
	inflight, err := tl.TransitionRequestedToInflight(ctx, requested, nil, false)
	require.NoError(t, err)
	_, err = tl.SaveAsComplete(ctx, false, inflight, []byte("x"), "")
	require.NoError(t, err)

	compaction := model.NewInstant(model.StateRequested, model.ActionCompaction, "002")
	require.NoError(t, tl.SaveToCompactionRequested(ctx, compaction, []byte("plan"), false))
	inflight, err = tl.TransitionCompactionRequestedToInflight(ctx, compaction)
	require.NoError(t, err)
	_, err = tl.TransitionCompactionInflightToComplete(ctx, false, inflight, nil)
	require.NoError(t, err)

	clean := model.NewInstant(model.StateRequested, model.ActionClean, "003")
	require.NoError(t, tl.SaveToCleanRequested(ctx, clean, nil))
	_, err = tl.TransitionCleanRequestedToInflight(ctx, clean)
	require.NoError(t, err)

	require.NoError(t, tl.Reload(ctx))
	v := tl.View()
	assert.Equal(t, 3, v.Len())
	assert.Equal(t, 1, v.Pending().Len())
	assert.True(t, v.Requested().Empty())
	last, ok := v.Pending().Last()
	require.True(t, ok)
	assert.Equal(t, model.NewInstant(model.StateInflight, model.ActionClean, "003"), last)

	completed := v.Completed().Instants()
	assert.Equal(t, []string{"001", "002"}, requestedTimes(completed))
	assert.Equal(t, model.ActionCommit, completed[1].Action)
	assert.Equal(t, map[string]int{"REQUESTED": 0, "INFLIGHT": 1, "COMPLETED": 2}, v.CountByState())

	// every stage file is still on disk
	assert.Equal(t, 8, tl.Stages().Len())
	assert.Len(t, tl.Stages().Find("002"), 3)
}

func TestUnlockedModernComplete_SingleCompletedFile(t *testing.T) {
	ctx := context.Background()
	const writers = 6
	base := newLocalStore(t)
	setup := openTimeline(t, base, model.LayoutModern)
	requested := model.NewInstant(model.StateRequested, model.ActionCommit, "20240101000000")
	require.NoError(t, setup.CreateNewInstant(ctx, requested))
	inflight, err := setup.TransitionRequestedToInflight(ctx, requested, nil, false)
	require.NoError(t, err)

	// each writer mints a different completion time and takes no lock
	store := newRendezvousStore(base, ".inflight", writers)
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	errs := make([]error, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		clock := start.Add(time.Duration(i) * time.Second)
		w := openTimeline(t, store, model.LayoutModern, func(o *timeline.Options) {
			o.TimeGen = timegen.New(nil, timegen.Options{Now: func() time.Time { return clock }})
		})
		g.Go(func() error {
			_, errs[i] = w.SaveAsComplete(ctx, false, inflight, []byte("payload"), "")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, errclass.ErrAlreadyExists)
	}
	assert.Equal(t, 1, wins)

	require.NoError(t, setup.Reload(ctx))
	assert.Equal(t, 1, setup.Stages().Completed().Len())
	assert.Len(t, listFiles(t, base), 3)

	// reverting releases the claim so the instant can complete again
	done, ok := setup.View().Completed().Last()
	require.True(t, ok)
	require.NoError(t, setup.RevertCompleteToInflight(ctx, done, inflight))
	_, err = setup.SaveAsComplete(ctx, false, inflight, nil, "")
	require.NoError(t, err)
}

func TestUnlockedLegacyComplete_NoStaleInflight(t *testing.T) {
	ctx := context.Background()
	const writers = 6
	base := newLocalStore(t)
	setup := openTimeline(t, base, model.LayoutLegacy)
	requested := model.NewInstant(model.StateRequested, model.ActionDeltaCommit, "20240101000000")
	require.NoError(t, setup.CreateNewInstant(ctx, requested))
	inflight, err := setup.TransitionRequestedToInflight(ctx, requested, []byte("plan"), false)
	require.NoError(t, err)

	store := newRendezvousStore(base, ".inflight", writers)
	errs := make([]error, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		w := openTimeline(t, store, model.LayoutLegacy)
		g.Go(func() error {
			_, errs[i] = w.SaveAsComplete(ctx, false, inflight, []byte("payload"), "")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, errclass.ErrAlreadyExists)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, []string{"20240101000000.deltacommit"}, listFiles(t, base))

	data, err := setup.InstantDetails(ctx, model.NewInstant(model.StateCompleted, model.ActionDeltaCommit, "20240101000000"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestLegacyRevert_InflightPresentIsNoop(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Create(ctx, timelineDir+"/001.inflight", []byte("plan"), false))
	require.NoError(t, store.Create(ctx, timelineDir+"/001.commit", []byte("meta"), false))
	tl := openTimeline(t, store, model.LayoutLegacy)

	completed := model.NewInstant(model.StateCompleted, model.ActionCommit, "001")
	inflight := model.NewInstant(model.StateInflight, model.ActionCommit, "001")
	require.NoError(t, tl.RevertCompleteToInflight(ctx, completed, inflight))
	assert.Equal(t, []string{"001.commit", "001.inflight"}, listFiles(t, store))

	data, err := tl.InstantDetails(ctx, completed)
	require.NoError(t, err)
	assert.Equal(t, "meta", string(data))
}

func TestSchemaCommitsLiveInSchemaDir(t *testing.T) {
	ctx := context.Background()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			store := storage.NewMemory()
			tl := openTimeline(t, store, layout, func(o *timeline.Options) {
				o.SchemaDir = ".strata/.schema"
			})
			requested := model.NewInstant(model.StateRequested, model.ActionSchemaCommit, "001")
			require.NoError(t, tl.CreateNewInstant(ctx, requested))
			inflight, err := tl.TransitionRequestedToInflight(ctx, requested, []byte("evolve"), false)
			require.NoError(t, err)
			done, err := tl.SaveAsComplete(ctx, false, inflight, []byte("schema"), "")
			require.NoError(t, err)
			require.NoError(t, tl.CreateNewInstant(ctx, model.NewInstant(model.StateRequested, model.ActionCommit, "002")))

			assert.Equal(t, []string{"002.commit.requested"}, listFiles(t, store))
			schemaFiles, err := store.List(ctx, ".strata/.schema")
			require.NoError(t, err)
			name, err := tl.FileName(done)
			require.NoError(t, err)
			assert.Contains(t, schemaFiles, name)

			require.NoError(t, tl.Reload(ctx))
			assert.Equal(t, []model.Instant{done}, tl.View().Completed().Instants())
			data, err := tl.InstantDetails(ctx, done)
			require.NoError(t, err)
			assert.Equal(t, "schema", string(data))
		})
	}
}
