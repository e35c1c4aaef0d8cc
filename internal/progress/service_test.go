package progress

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobookshelf-library-sync/internal/api/audiobookshelf"
	"github.com/drallgood/audiobookshelf-library-sync/internal/database"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) GetUserProgress(ctx context.Context) (*models.User, error) {
	args := m.Called(ctx)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

func (m *mockRemote) GetMediaProgress(ctx context.Context, id string) (*models.MediaProgress, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*models.MediaProgress)
	return p, args.Error(1)
}

func (m *mockRemote) UpdateProgress(ctx context.Context, id string, update models.ProgressUpdate) error {
	return m.Called(ctx, id, update).Error(0)
}

type fakeLive struct {
	mu       sync.Mutex
	handlers map[int]audiobookshelf.ProgressHandler
	next     int
}

func (f *fakeLive) OnMediaProgress(fn audiobookshelf.ProgressHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int]audiobookshelf.ProgressHandler)
	}
	id := f.next
	f.next++
	f.handlers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeLive) push(ev models.MediaProgressUpdate) {
	f.mu.Lock()
	handlers := make([]audiobookshelf.ProgressHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeLive) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestService(t *testing.T, remote *mockRemote, live LiveSource) (*Service, *store.ProgressStore) {
	t.Helper()
	db, err := database.NewDatabase(&database.DatabaseConfig{
		Driver: database.DriverSQLitePure,
		Path:   filepath.Join(t.TempDir(), "progress.db"),
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	progress := store.New(db.GetDB()).Progress
	s := NewService(progress, remote, live, Config{}, logger.Nop())
	s.now = func() time.Time { return testNow }
	return s, progress
}

func next(t *testing.T, c <-chan Update) Update {
	t.Helper()
	select {
	case u := <-c:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no progress update")
		return Update{}
	}
}

func f64(v float64) *float64 { return &v }

func TestDeriveProgress(t *testing.T) {
	tests := []struct {
		name        string
		currentTime float64
		duration    float64
		progress    *float64
		want        float64
	}{
		{"half way", 30, 60, nil, 0.5},
		{"zero duration", 30, 0, nil, 0},
		{"explicit wins", 30, 60, f64(0.9), 0.9},
		{"NaN falls back", 15, 60, f64(math.NaN()), 0.25},
		{"infinite falls back", 15, 60, f64(math.Inf(1)), 0.25},
		{"clamped", 90, 60, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DeriveProgress(tt.currentTime, tt.duration, tt.progress), 1e-9)
		})
	}
}

func TestUpdateMediaProgress(t *testing.T) {
	remote := &mockRemote{}
	remote.On("UpdateProgress", mock.Anything, "li1", models.ProgressUpdate{
		Progress: 0.5, CurrentTime: 30, Duration: 60, LastUpdate: testNow.UnixMilli(),
	}).Return(nil)
	s, progress := newTestService(t, remote, nil)
	sub := s.Subscribe("li1")
	defer sub.Unsubscribe()

	require.NoError(t, s.UpdateMediaProgress(context.Background(), "li1", 30, 60, nil))

	stored, err := progress.GetByLibraryItemID(context.Background(), "li1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.Progress)
	require.NotNil(t, stored.Position)
	assert.Equal(t, 30.0, *stored.Position)

	u := next(t, sub.C)
	require.NotNil(t, u.Progress)
	assert.Equal(t, 0.5, u.Progress.Progress)
	remote.AssertExpectations(t)
}

func TestUpdateMediaProgress_ZeroDuration(t *testing.T) {
	remote := &mockRemote{}
	remote.On("UpdateProgress", mock.Anything, "li1", mock.Anything).Return(nil)
	s, progress := newTestService(t, remote, nil)

	require.NoError(t, s.UpdateMediaProgress(context.Background(), "li1", 30, 0, nil))

	stored, err := progress.GetByLibraryItemID(context.Background(), "li1")
	require.NoError(t, err)
	assert.Zero(t, stored.Progress)
}

func TestUpdateMediaProgress_RemoteFailureStillStores(t *testing.T) {
	remote := &mockRemote{}
	remote.On("UpdateProgress", mock.Anything, "li1", mock.Anything).Return(errors.New("offline"))
	s, progress := newTestService(t, remote, nil)

	require.NoError(t, s.UpdateMediaProgress(context.Background(), "li1", 10, 100, nil))

	stored, err := progress.GetByLibraryItemID(context.Background(), "li1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, stored.Progress, 1e-9)
}

func TestReportPlayback_Throttles(t *testing.T) {
	remote := &mockRemote{}
	remote.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	s, _ := newTestService(t, remote, nil)
	now := testNow
	s.now = func() time.Time { return now }
	ctx := context.Background()

	sent, err := s.ReportPlayback(ctx, "li1", 1, 100, false)
	require.NoError(t, err)
	assert.True(t, sent)

	now = now.Add(time.Second)
	sent, err = s.ReportPlayback(ctx, "li1", 2, 100, false)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = s.ReportPlayback(ctx, "li2", 2, 100, false)
	require.NoError(t, err)
	assert.True(t, sent, "items are throttled independently")

	sent, err = s.ReportPlayback(ctx, "li1", 3, 100, true)
	require.NoError(t, err)
	assert.True(t, sent, "forced flush")

	now = now.Add(DefaultThrottleInterval)
	sent, err = s.ReportPlayback(ctx, "li1", 8, 100, false)
	require.NoError(t, err)
	assert.True(t, sent)

	remote.AssertNumberOfCalls(t, "UpdateProgress", 4)
}

func TestUpdateByLibraryItemID_NullThenPulled(t *testing.T) {
	remote := &mockRemote{}
	remote.On("GetMediaProgress", mock.Anything, "li1").Return(&models.MediaProgress{
		LibraryItemID: "li1", CurrentTime: 20, Duration: 80, Progress: 0.25, LastUpdate: 500,
	}, nil)
	s, _ := newTestService(t, remote, nil)
	sub := s.Subscribe("li1")
	defer sub.Unsubscribe()

	s.UpdateByLibraryItemID(context.Background(), "li1")

	first := next(t, sub.C)
	assert.Nil(t, first.Progress)
	second := next(t, sub.C)
	require.NotNil(t, second.Progress)
	assert.Equal(t, 0.25, second.Progress.Progress)
	assert.Equal(t, int64(500), second.Progress.LastUpdate)
}

func TestUpdateByLibraryItemID_PullFailureKeepsStored(t *testing.T) {
	remote := &mockRemote{}
	remote.On("GetMediaProgress", mock.Anything, "li1").Return(nil, errors.New("boom"))
	s, progress := newTestService(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, progress.Put(ctx, &models.StoredProgress{LibraryItemID: "li1", Progress: 0.4, LastUpdate: 10}))
	sub := s.Subscribe("li1")
	defer sub.Unsubscribe()

	s.UpdateByLibraryItemID(ctx, "li1")

	u := next(t, sub.C)
	require.NotNil(t, u.Progress)
	assert.Equal(t, 0.4, u.Progress.Progress)
	assert.Len(t, sub.C, 0)
}

func TestReconcile_OlderWriteLoses(t *testing.T) {
	remote := &mockRemote{}
	remote.On("GetMediaProgress", mock.Anything, "li1").Return(&models.MediaProgress{
		LibraryItemID: "li1", CurrentTime: 5, Duration: 100, Progress: 0.05, LastUpdate: 1,
	}, nil)
	remote.On("UpdateProgress", mock.Anything, "li1", mock.Anything).Return(nil)
	s, progress := newTestService(t, remote, nil)
	ctx := context.Background()

	require.NoError(t, s.UpdateMediaProgress(ctx, "li1", 50, 100, nil))
	sub := s.Subscribe("li1")
	defer sub.Unsubscribe()
	s.UpdateByLibraryItemID(ctx, "li1")

	stored, err := progress.GetByLibraryItemID(ctx, "li1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.Progress)

	next(t, sub.C)
	winner := next(t, sub.C)
	assert.Equal(t, 0.5, winner.Progress.Progress, "subscribers see the winning record")
}

func TestWatchLive_SingleShot(t *testing.T) {
	live := &fakeLive{}
	s, progress := newTestService(t, &mockRemote{}, live)
	ctx := context.Background()
	require.NoError(t, progress.Put(ctx, &models.StoredProgress{LibraryItemID: "li1", CurrentTime: 10, Duration: 100, Progress: 0.1, LastUpdate: 1}))
	sub := s.Subscribe("li1")
	defer sub.Unsubscribe()

	stop, err := s.WatchLive("li1")
	require.NoError(t, err)
	defer stop()

	live.push(models.MediaProgressUpdate{LibraryItemID: "other", CurrentTime: f64(99)})
	assert.Equal(t, 1, live.count())

	live.push(models.MediaProgressUpdate{LibraryItemID: "li1", CurrentTime: f64(40)})
	assert.Equal(t, 0, live.count())

	u := next(t, sub.C)
	require.NotNil(t, u.Progress)
	assert.Equal(t, 40.0, u.Progress.CurrentTime)
	assert.Equal(t, 100.0, u.Progress.Duration)
	assert.InDelta(t, 0.4, u.Progress.Progress, 1e-9)

	live.push(models.MediaProgressUpdate{LibraryItemID: "li1", CurrentTime: f64(60)})
	stored, err := progress.GetByLibraryItemID(ctx, "li1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, stored.CurrentTime)
}

func TestWatchLive_ProgressOnlyDerivesPosition(t *testing.T) {
	tests := []struct {
		name   string
		stored *models.StoredProgress
		event  models.MediaProgressUpdate
		want   models.StoredProgress
	}{
		{
			name:   "over stored record",
			stored: &models.StoredProgress{LibraryItemID: "li1", CurrentTime: 10, Duration: 100, Progress: 0.1, LastUpdate: 1},
			event:  models.MediaProgressUpdate{LibraryItemID: "li1", Progress: f64(0.5), Duration: f64(100)},
			want:   models.StoredProgress{CurrentTime: 50, Duration: 100, Progress: 0.5},
		},
		{
			name:  "nothing stored",
			event: models.MediaProgressUpdate{LibraryItemID: "li1", Progress: f64(0.25), Duration: f64(400)},
			want:  models.StoredProgress{CurrentTime: 100, Duration: 400, Progress: 0.25},
		},
		{
			name:  "no duration keeps position",
			event: models.MediaProgressUpdate{LibraryItemID: "li1", Progress: f64(0.25)},
			want:  models.StoredProgress{CurrentTime: 0, Duration: 0, Progress: 0.25},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := &fakeLive{}
			s, progress := newTestService(t, &mockRemote{}, live)
			ctx := context.Background()
			if tt.stored != nil {
				require.NoError(t, progress.Put(ctx, tt.stored))
			}

			stop, err := s.WatchLive("li1")
			require.NoError(t, err)
			defer stop()
			live.push(tt.event)

			stored, err := progress.GetByLibraryItemID(ctx, "li1")
			require.NoError(t, err)
			assert.InDelta(t, tt.want.CurrentTime, stored.CurrentTime, 1e-9)
			assert.InDelta(t, tt.want.Duration, stored.Duration, 1e-9)
			assert.InDelta(t, tt.want.Progress, stored.Progress, 1e-9)
			require.NotNil(t, stored.Position)
			assert.InDelta(t, tt.want.CurrentTime, *stored.Position, 1e-9)
		})
	}
}

func TestWatchLive_Stop(t *testing.T) {
	live := &fakeLive{}
	s, _ := newTestService(t, &mockRemote{}, live)

	stop, err := s.WatchLive("li1")
	require.NoError(t, err)
	stop()
	assert.Equal(t, 0, live.count())

	_, err = NewService(nil, &mockRemote{}, nil, Config{}, logger.Nop()).WatchLive("li1")
	assert.ErrorIs(t, err, ErrNoLiveSource)
}

func TestRefreshAll(t *testing.T) {
	remote := &mockRemote{}
	remote.On("GetUserProgress", mock.Anything).Return(&models.User{
		Username: "reader",
		MediaProgress: []models.MediaProgress{
			{LibraryItemID: "li1", CurrentTime: 10, Duration: 20, Progress: 0.5, LastUpdate: 100},
			{LibraryItemID: "pod", EpisodeID: "ep1", Progress: 0.3, LastUpdate: 100},
			{LibraryItemID: "li2", Progress: 1, IsFinished: true, LastUpdate: 100},
		},
	}, nil).Once()
	remote.On("GetUserProgress", mock.Anything).Return(nil, errors.New("down"))
	s, progress := newTestService(t, remote, nil)
	ctx := context.Background()

	require.NoError(t, s.RefreshAll(ctx))
	all, err := progress.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorContains(t, s.RefreshAll(ctx), "down")
}
