package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobookshelf-library-sync/internal/events"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/progress"
	libsync "github.com/drallgood/audiobookshelf-library-sync/internal/sync"
)

type fakeSyncer struct {
	bus    *events.Bus[libsync.Progress]
	called chan string
}

func (f *fakeSyncer) Synchronize(_ context.Context, libraryID string) error {
	f.called <- libraryID
	f.bus.Publish(libsync.ProgressTopic, libsync.Progress{LibraryID: libraryID, Total: 1, Complete: 1, Percent: 100})
	return nil
}

func (f *fakeSyncer) Subscribe() *events.Subscription[libsync.Progress] {
	return f.bus.Subscribe(libsync.ProgressTopic)
}

type fakeProgress struct {
	mu       sync.Mutex
	bus      *events.Bus[progress.Update]
	stored   map[string]*models.StoredProgress
	reported []string
	watching int
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{
		bus:    events.NewBus[progress.Update](0, logger.Nop()),
		stored: map[string]*models.StoredProgress{},
	}
}

func (f *fakeProgress) Subscribe(id string) *events.Subscription[progress.Update] {
	return f.bus.Subscribe(progress.Topic(id))
}

func (f *fakeProgress) Read(_ context.Context, id string) (*models.StoredProgress, error) {
	f.mu.Lock()
	p := f.stored[id]
	f.mu.Unlock()
	f.bus.Publish(progress.Topic(id), progress.Update{LibraryItemID: id, Progress: p})
	return p, nil
}

func (f *fakeProgress) UpdateMediaProgress(_ context.Context, id string, ct, dur float64, ratio *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[id] = &models.StoredProgress{LibraryItemID: id, CurrentTime: ct, Duration: dur, Progress: progress.DeriveProgress(ct, dur, ratio)}
	f.reported = append(f.reported, "set:"+id)
	return nil
}

func (f *fakeProgress) ReportPlayback(_ context.Context, id string, ct, dur float64, force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, "report:"+id)
	return force, nil
}

func (f *fakeProgress) UpdateByLibraryItemID(ctx context.Context, id string) {
	f.Read(ctx, id)
	f.bus.Publish(progress.Topic(id), progress.Update{LibraryItemID: id, Progress: &models.StoredProgress{LibraryItemID: id, Progress: 0.75}})
}

func (f *fakeProgress) WatchLive(string) (func(), error) {
	f.mu.Lock()
	f.watching++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.watching--
		f.mu.Unlock()
	}, nil
}

type fakeImages map[string]string

func (f fakeImages) Path(key string) (string, bool) {
	p, ok := f[key]
	return p, ok
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeSyncer, *fakeProgress) {
	t.Helper()
	dir := t.TempDir()
	cover := filepath.Join(dir, "cover")
	require.NoError(t, os.WriteFile(cover, []byte("jpeg"), 0o644))

	syncer := &fakeSyncer{bus: events.NewBus[libsync.Progress](0, logger.Nop()), called: make(chan string, 1)}
	prog := newFakeProgress()
	s := New(":0", syncer, prog, nil, fakeImages{"items/B1/cover": cover}, logger.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
	})
	return ts, syncer, prog
}

// readEvent returns the data line of the next SSE event
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return name, data
		}
	}
}

func TestHealthCheck(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Post(ts.URL+"/healthz", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncAndEvents(t *testing.T) {
	ts, syncer, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/sync/events", nil)
	events, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer events.Body.Close()
	assert.Equal(t, "text/event-stream", events.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return syncer.bus.Subscribers(libsync.ProgressTopic) == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/libraries/lib1/sync", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "lib1", <-syncer.called)

	name, data := readEvent(t, bufio.NewReader(events.Body))
	assert.Equal(t, "sync-progress", name)
	assert.JSONEq(t, `{"libraryId":"lib1","total":1,"complete":1,"percent":100}`, data)
}

func TestProgressEndpoints(t *testing.T) {
	ts, _, prog := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/progress/li1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"explicit progress", `{"currentTime":30,"duration":60,"progress":0.5}`, http.StatusAccepted, "set:li1"},
		{"throttled tick", `{"currentTime":31,"duration":60}`, http.StatusAccepted, "report:li1"},
		{"bad body", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/progress/li1", strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.want != "" {
				prog.mu.Lock()
				assert.Equal(t, tt.want, prog.reported[len(prog.reported)-1])
				prog.mu.Unlock()
			}
		})
	}

	resp, err = http.Get(ts.URL + "/api/progress/li1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProgressEvents_NullThenPulled(t *testing.T) {
	ts, _, prog := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/progress/li9/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	_, first := readEvent(t, r)
	assert.JSONEq(t, `{"libraryItemId":"li9","progress":null}`, first)
	_, second := readEvent(t, r)
	assert.Contains(t, second, `"progress":0.75`)

	prog.mu.Lock()
	assert.Equal(t, 1, prog.watching)
	prog.mu.Unlock()
}

func TestImages(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/images/items/B1/cover")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/images/items/B2/cover")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
