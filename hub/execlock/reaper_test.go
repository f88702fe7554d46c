// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package execlock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
)

type fakeHistoryDB struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*history.Record
}

func newFakeHistoryDB() *fakeHistoryDB {
	return &fakeHistoryDB{records: map[int64]*history.Record{}}
}

func (f *fakeHistoryDB) Start(ctx context.Context, rec *history.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stored := *rec
	stored.ID = f.nextID
	f.records[stored.ID] = &stored
	return stored.ID, nil
}

func (f *fakeHistoryDB) Finalize(ctx context.Context, id int64, end time.Time, fin history.Finalization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.Status != history.StatusRunning {
		return history.ErrNotFound.New("%d", id)
	}
	rec.Status = fin.Status
	rec.EndTime = &end
	rec.DurationSeconds = int64(end.Sub(rec.StartTime).Seconds())
	rec.RecordsLoaded = fin.RecordsLoaded
	rec.RecordsIngested = fin.RecordsIngested
	rec.ErrorMessage = fin.ErrorMessage
	return nil
}

func (f *fakeHistoryDB) Get(ctx context.Context, id int64) (*history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, history.ErrNotFound.New("%d", id)
	}
	out := *rec
	return &out, nil
}

func (f *fakeHistoryDB) List(ctx context.Context, loaderCode string, status history.Status, limit, offset int) ([]history.Record, error) {
	return nil, nil
}

func (f *fakeHistoryDB) StaleRunning(ctx context.Context, olderThan time.Time) ([]history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.Record
	for _, rec := range f.records {
		if rec.Status == history.StatusRunning && rec.StartTime.Before(olderThan) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

type fakeLoaderStates struct {
	mu         sync.Mutex
	normalized map[string]int
}

func (f *fakeLoaderStates) NormalizeRunning(ctx context.Context, code string, failedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.normalized == nil {
		f.normalized = map[string]int{}
	}
	f.normalized[code]++
	return nil
}

func TestReaperNormalizesCrashedRun(t *testing.T) {
	// A replica acquires the lock, opens a RUNNING history row and dies.
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	lockDB := newFakeLockDB()
	historyDB := newFakeHistoryDB()
	store := history.NewStore(zaptest.NewLogger(t), historyDB)
	states := &fakeLoaderStates{}

	manager := execlock.NewManager(zaptest.NewLogger(t), lockDB, "replica-1")
	manager.SetNow(func() time.Time { return now })

	handle, err := manager.TryAcquire(ctx, "L1")
	require.NoError(t, err)
	w := timewindow.Window{From: now.Add(-time.Hour), To: now}
	historyID, err := store.Start(ctx, "L1", 1, "replica-1", w, now)
	require.NoError(t, err)
	require.NoError(t, manager.AttachHistory(ctx, handle, historyID))
	// replica dies here; no release

	reaper := execlock.NewReaper(zaptest.NewLogger(t), lockDB, store, states,
		execlock.ReaperConfig{Interval: time.Minute, StaleThreshold: 10 * time.Minute})
	defer func() { require.NoError(t, reaper.Close()) }()

	// Within the run budget nothing happens.
	reaper.SetNow(func() time.Time { return now.Add(5 * time.Minute) })
	require.NoError(t, reaper.Reap(ctx))
	require.Equal(t, 1, lockDB.liveCount("L1"))

	// Past the stale threshold the run is normalized.
	reaper.SetNow(func() time.Time { return now.Add(11 * time.Minute) })
	require.NoError(t, reaper.Reap(ctx))
	require.Equal(t, 0, lockDB.liveCount("L1"))

	rec, err := store.Get(ctx, historyID)
	require.NoError(t, err)
	require.Equal(t, history.StatusFailed, rec.Status)
	require.Contains(t, rec.ErrorMessage, "STALE")
	require.NotZero(t, states.normalized["L1"])

	// The loader is lockable again.
	again, err := manager.TryAcquire(ctx, "L1")
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, again))
}

func TestReaperFinalizesOrphanedRunningRow(t *testing.T) {
	// RUNNING history row with no lock at all.
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	lockDB := newFakeLockDB()
	historyDB := newFakeHistoryDB()
	store := history.NewStore(zaptest.NewLogger(t), historyDB)
	states := &fakeLoaderStates{}

	w := timewindow.Window{From: now.Add(-time.Hour), To: now}
	historyID, err := store.Start(ctx, "L2", 3, "replica-2", w, now)
	require.NoError(t, err)

	reaper := execlock.NewReaper(zaptest.NewLogger(t), lockDB, store, states,
		execlock.ReaperConfig{Interval: time.Minute, StaleThreshold: 10 * time.Minute})
	defer func() { require.NoError(t, reaper.Close()) }()
	reaper.SetNow(func() time.Time { return now.Add(15 * time.Minute) })

	require.NoError(t, reaper.Reap(ctx))

	rec, err := store.Get(ctx, historyID)
	require.NoError(t, err)
	require.Equal(t, history.StatusFailed, rec.Status)
	require.Equal(t, 1, states.normalized["L2"])
}

func TestReaperIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	lockDB := newFakeLockDB()
	historyDB := newFakeHistoryDB()
	store := history.NewStore(zaptest.NewLogger(t), historyDB)
	states := &fakeLoaderStates{}

	manager := execlock.NewManager(zaptest.NewLogger(t), lockDB, "replica-1")
	manager.SetNow(func() time.Time { return now })
	_, err := manager.TryAcquire(ctx, "L1")
	require.NoError(t, err)

	reaper := execlock.NewReaper(zaptest.NewLogger(t), lockDB, store, states,
		execlock.ReaperConfig{Interval: time.Minute, StaleThreshold: 10 * time.Minute})
	defer func() { require.NoError(t, reaper.Close()) }()
	reaper.SetNow(func() time.Time { return now.Add(time.Hour) })

	require.NoError(t, reaper.Reap(ctx))
	require.NoError(t, reaper.Reap(ctx))
	require.Equal(t, 0, lockDB.liveCount("L1"))
}
