// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package backfill_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/scheduler"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
)

type fakeJobDB struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*backfill.Job
}

func newFakeJobDB() *fakeJobDB {
	return &fakeJobDB{jobs: map[int64]*backfill.Job{}}
}

func (f *fakeJobDB) Create(ctx context.Context, job *backfill.Job) (*backfill.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.jobs {
		if existing.LoaderCode != job.LoaderCode {
			continue
		}
		if existing.Status != backfill.StatusPending && existing.Status != backfill.StatusRunning {
			continue
		}
		if job.FromEpoch < existing.ToEpoch && existing.FromEpoch < job.ToEpoch {
			return nil, backfill.ErrOverlap.New("job %d", existing.ID)
		}
	}
	f.nextID++
	stored := *job
	stored.ID = f.nextID
	f.jobs[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (f *fakeJobDB) Get(ctx context.Context, id int64) (*backfill.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, backfill.ErrNotFound.New("%d", id)
	}
	out := *job
	return &out, nil
}

func (f *fakeJobDB) List(ctx context.Context, loaderCode string, limit, offset int) ([]backfill.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backfill.Job
	for _, job := range f.jobs {
		if loaderCode == "" || job.LoaderCode == loaderCode {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeJobDB) Claim(ctx context.Context, replica string, now time.Time) (*backfill.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *backfill.Job
	for _, job := range f.jobs {
		if job.Status != backfill.StatusPending {
			continue
		}
		if oldest == nil || job.ID < oldest.ID {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, backfill.ErrNotFound.New("no pending jobs")
	}
	oldest.Status = backfill.StatusRunning
	oldest.ReplicaName = replica
	at := now
	oldest.StartedAt = &at
	out := *oldest
	return &out, nil
}

func (f *fakeJobDB) Progress(ctx context.Context, id int64, delta backfill.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != backfill.StatusRunning {
		return backfill.ErrWrongState.New("%d", id)
	}
	job.RecordsLoaded += delta.RecordsLoaded
	job.RecordsIngested += delta.RecordsIngested
	return nil
}

func (f *fakeJobDB) Finish(ctx context.Context, id int64, status backfill.Status, errorMessage string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != backfill.StatusRunning {
		return backfill.ErrWrongState.New("%d", id)
	}
	job.Status = status
	job.ErrorMessage = errorMessage
	at := finishedAt
	job.FinishedAt = &at
	return nil
}

func (f *fakeJobDB) Cancel(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return backfill.ErrNotFound.New("%d", id)
	}
	if job.Status != backfill.StatusPending {
		return backfill.ErrWrongState.New("job %d is %s", id, job.Status)
	}
	job.Status = backfill.StatusCancelled
	return nil
}

// fakeActiveLoaders serves GetActive only.
type fakeActiveLoaders struct {
	loader.DB
	active map[string]*loader.Loader
}

func (f *fakeActiveLoaders) GetActive(ctx context.Context, code string) (*loader.Loader, error) {
	ld, ok := f.active[code]
	if !ok {
		return nil, loader.ErrNotFound.New("%s", code)
	}
	out := *ld
	return &out, nil
}

type windowRun struct {
	window   timewindow.Window
	strategy loader.PurgeStrategy
}

type fakeExecutor struct {
	mu     sync.Mutex
	runs   []windowRun
	loaded int64
	failAt int // 1-based slice index to fail on, 0 means never
}

func (f *fakeExecutor) ExecuteWindow(ctx context.Context, ld *loader.Loader, w timewindow.Window, strategy loader.PurgeStrategy) (scheduler.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, windowRun{window: w, strategy: strategy})
	n := len(f.runs)
	f.mu.Unlock()
	if f.failAt != 0 && n == f.failAt {
		return scheduler.RunResult{Outcome: scheduler.OutcomeFailed}, backfill.Error.New("slice failed")
	}
	return scheduler.RunResult{
		Outcome:  scheduler.OutcomeSuccess,
		Window:   w,
		Loaded:   f.loaded,
		Ingested: f.loaded,
	}, nil
}

func activeLoader(code string, maxQueryPeriod int64) *loader.Loader {
	return &loader.Loader{
		Code:           code,
		MaxQueryPeriod: maxQueryPeriod,
		PurgeStrategy:  loader.SkipDuplicates,
		Enabled:        true,
		VersionStatus:  loader.VersionActive,
		LoadStatus:     loader.StatusIdle,
	}
}

func TestServiceCreateValidation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	db := newFakeJobDB()
	loaders := &fakeActiveLoaders{active: map[string]*loader.Loader{
		"L1": activeLoader("L1", 3600),
	}}
	service := backfill.NewService(zaptest.NewLogger(t), db, loaders)
	service.SetNow(func() time.Time { return now })

	base := backfill.Job{
		LoaderCode:    "L1",
		FromEpoch:     now.Add(-4 * time.Hour).Unix(),
		ToEpoch:       now.Add(-time.Hour).Unix(),
		PurgeStrategy: loader.PurgeAndReload,
		RequestedBy:   "ops",
	}

	created, err := service.Create(ctx, &base)
	require.NoError(t, err)
	require.Equal(t, backfill.StatusPending, created.Status)
	require.NotZero(t, created.ID)

	inverted := base
	inverted.FromEpoch, inverted.ToEpoch = inverted.ToEpoch, inverted.FromEpoch
	_, err = service.Create(ctx, &inverted)
	require.True(t, backfill.Error.Has(err))

	future := base
	future.ToEpoch = now.Add(time.Hour).Unix()
	_, err = service.Create(ctx, &future)
	require.True(t, backfill.Error.Has(err))

	unknown := base
	unknown.LoaderCode = "MISSING"
	_, err = service.Create(ctx, &unknown)
	require.True(t, loader.ErrNotFound.Has(err))

	overlapping := base
	overlapping.FromEpoch = now.Add(-2 * time.Hour).Unix()
	overlapping.ToEpoch = now.Add(-30 * time.Minute).Unix()
	_, err = service.Create(ctx, &overlapping)
	require.True(t, backfill.ErrOverlap.Has(err))
}

func TestServiceCancelPendingOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	db := newFakeJobDB()
	loaders := &fakeActiveLoaders{active: map[string]*loader.Loader{
		"L1": activeLoader("L1", 3600),
	}}
	service := backfill.NewService(zaptest.NewLogger(t), db, loaders)
	service.SetNow(func() time.Time { return now })

	created, err := service.Create(ctx, &backfill.Job{
		LoaderCode:    "L1",
		FromEpoch:     now.Add(-2 * time.Hour).Unix(),
		ToEpoch:       now.Add(-time.Hour).Unix(),
		PurgeStrategy: loader.SkipDuplicates,
	})
	require.NoError(t, err)
	require.NoError(t, service.Cancel(ctx, created.ID))

	err = service.Cancel(ctx, created.ID)
	require.True(t, backfill.ErrWrongState.Has(err))
}

func TestChoreSlicesWindowByMaxQueryPeriod(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	db := newFakeJobDB()
	loaders := &fakeActiveLoaders{active: map[string]*loader.Loader{
		"L1": activeLoader("L1", 3600),
	}}
	executor := &fakeExecutor{loaded: 10}

	// 2.5 hours with 1h slices -> three windows, the last one short.
	from := now.Add(-3 * time.Hour)
	to := now.Add(-30 * time.Minute)
	created, err := db.Create(ctx, &backfill.Job{
		LoaderCode:    "L1",
		FromEpoch:     from.Unix(),
		ToEpoch:       to.Unix(),
		PurgeStrategy: loader.PurgeAndReload,
		Status:        backfill.StatusPending,
	})
	require.NoError(t, err)

	chore := backfill.NewChore(zaptest.NewLogger(t), db, loaders, executor, "replica-1",
		backfill.ChoreConfig{Interval: time.Minute})
	defer func() { require.NoError(t, chore.Close()) }()
	chore.SetNow(func() time.Time { return now })

	require.NoError(t, chore.RunOnce(ctx))

	require.Len(t, executor.runs, 3)
	require.Equal(t, timewindow.Window{From: from, To: from.Add(time.Hour)}, executor.runs[0].window)
	require.Equal(t, timewindow.Window{From: from.Add(time.Hour), To: from.Add(2 * time.Hour)}, executor.runs[1].window)
	require.Equal(t, timewindow.Window{From: from.Add(2 * time.Hour), To: to}, executor.runs[2].window)
	require.Equal(t, loader.PurgeAndReload, executor.runs[0].strategy)

	job, err := db.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, backfill.StatusSuccess, job.Status)
	require.Equal(t, int64(30), job.RecordsLoaded)
	require.Equal(t, int64(30), job.RecordsIngested)
	require.Equal(t, "replica-1", job.ReplicaName)

	// Queue drained.
	err = chore.RunOnce(ctx)
	require.True(t, backfill.ErrNotFound.Has(err))
}

func TestChoreFailedSliceFailsJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	db := newFakeJobDB()
	loaders := &fakeActiveLoaders{active: map[string]*loader.Loader{
		"L1": activeLoader("L1", 3600),
	}}
	executor := &fakeExecutor{loaded: 10, failAt: 2}

	created, err := db.Create(ctx, &backfill.Job{
		LoaderCode:    "L1",
		FromEpoch:     now.Add(-3 * time.Hour).Unix(),
		ToEpoch:       now.Unix(),
		PurgeStrategy: loader.SkipDuplicates,
		Status:        backfill.StatusPending,
	})
	require.NoError(t, err)

	chore := backfill.NewChore(zaptest.NewLogger(t), db, loaders, executor, "replica-1",
		backfill.ChoreConfig{Interval: time.Minute})
	defer func() { require.NoError(t, chore.Close()) }()
	chore.SetNow(func() time.Time { return now })

	require.Error(t, chore.RunOnce(ctx))
	require.Len(t, executor.runs, 2)

	job, err := db.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, backfill.StatusFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "slice failed")
	require.Equal(t, int64(10), job.RecordsLoaded, "only the successful slice counts")
}
