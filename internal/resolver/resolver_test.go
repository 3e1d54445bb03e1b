package resolver

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amdl-orchestrator/internal/appleapi"
	"amdl-orchestrator/internal/lockfile"
	"amdl-orchestrator/internal/model"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/token"
	"amdl-orchestrator/internal/udpwake"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

func newTestResolver(t *testing.T, handler http.HandlerFunc) (*Resolver, *queuestore.Store) {
	t.Helper()

	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	store := queuestore.New(filepath.Join(t.TempDir(), "task_queue.json"))

	tokenPath := filepath.Join(t.TempDir(), "api_token.json")
	require.NoError(t, lockfile.New(tokenPath).WriteJSON(model.TokenRecord{
		Token:     "eyJvalid",
		Timestamp: time.Now(),
	}, time.Second))
	tokens, err := token.New(token.Config{
		FetchURL:       "http://127.0.0.1:0",
		JSPattern:      `/assets/[^"]+\.js`,
		TokenPattern:   `eyJ[a-zA-Z0-9+/_\-.]+`,
		ValidityWindow: time.Hour,
		CheckInterval:  time.Minute,
		RefreshThreshold: time.Minute,
		RetryDelay:     time.Minute,
	}, tokenPath, testLogger())
	require.NoError(t, err)

	api := appleapi.New(upstream.URL, 1000, 1000)
	wake := udpwake.NewSender(1, testLogger())

	return New(store, api, tokens, wake, testLogger(), 1, time.Millisecond), store
}

const albumResponse = `{"data":[{"id":"100","attributes":{"name":"Test Album","artistName":"Some Artist","trackCount":2,"artwork":{"url":"https://example/art.jpg"}},"relationships":{"tracks":{"data":[
	{"id":"t1","attributes":{"name":"One","trackNumber":1,"url":"https://music.apple.com/us/song/-/1"}},
	{"id":"t2","attributes":{"name":"Two","trackNumber":2,"url":"https://music.apple.com/us/song/-/2"}}
]}}}]}`

const songWithAlbumResponse = `{"data":[{"id":"1","attributes":{"name":"One","artistName":"Some Artist","artwork":{"url":"https://example/art.jpg"}},"relationships":{"albums":{"data":[{"attributes":{"url":"https://music.apple.com/us/album/-/100"}}]}}}]}`

const multiDiscAlbumResponse = `{"data":[{"id":"200","attributes":{"name":"Double Album","artistName":"Some Artist","trackCount":3,"artwork":{"url":"https://example/art.jpg"}},"relationships":{"tracks":{"data":[
	{"id":"d1t1","attributes":{"name":"One","trackNumber":1,"url":"https://music.apple.com/us/song/-/1"}},
	{"id":"d1t2","attributes":{"name":"Two","trackNumber":2,"url":"https://music.apple.com/us/song/-/2"}},
	{"id":"d2t1","attributes":{"name":"Three","trackNumber":1,"discNumber":2,"discCount":2,"url":"https://music.apple.com/us/song/-/3"}}
]}}}]}`

func TestExtractMetadata_AlbumStampsDiscTotalOnEveryTrackWhenAnyDiscExceedsOne(t *testing.T) {
	meta, err := extractMetadata(model.LinkAlbum, []byte(multiDiscAlbumResponse))
	require.NoError(t, err)
	require.Len(t, meta.Tracks, 3)

	bySongID := map[string]model.Track{}
	for _, tr := range meta.Tracks {
		bySongID[tr.SongID] = tr
	}

	assert.Equal(t, 1, bySongID["d1t1"].DiscNumber)
	assert.Equal(t, 2, bySongID["d1t1"].DiscTotal)
	assert.Equal(t, 1, bySongID["d1t2"].DiscNumber)
	assert.Equal(t, 2, bySongID["d1t2"].DiscTotal)
	assert.Equal(t, 2, bySongID["d2t1"].DiscNumber)
	assert.Equal(t, 2, bySongID["d2t1"].DiscTotal)
}

func TestExtractMetadata_AlbumLeavesDiscFieldsZeroWhenSingleDisc(t *testing.T) {
	meta, err := extractMetadata(model.LinkAlbum, []byte(albumResponse))
	require.NoError(t, err)
	for _, tr := range meta.Tracks {
		assert.Zero(t, tr.DiscNumber)
		assert.Zero(t, tr.DiscTotal)
	}
}

func TestResolve_AlbumReachesReadyWithTracks(t *testing.T) {
	r, store := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(albumResponse))
	})

	_, _, err := store.Append([]*model.Task{{
		UUID:   "a1",
		User:   "alice",
		Link:   "https://music.apple.com/us/album/-/100",
		LinkInfo: model.LinkInfo{Type: model.LinkAlbum, Storefront: "us", ID: "100"},
		Status: model.StatusPendingMeta,
	}})
	require.NoError(t, err)

	r.Resolve(context.Background(), "a1")

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusReady, all[0].Status)
	require.NotNil(t, all[0].Metadata)
	assert.Equal(t, "Test Album", all[0].Metadata.Name)
	assert.Len(t, all[0].Metadata.Tracks, 2)
}

func TestResolve_NotFoundMarksTaskError(t *testing.T) {
	r, store := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, _, err := store.Append([]*model.Task{{
		UUID:   "a1",
		User:   "alice",
		Link:   "https://music.apple.com/us/album/-/100",
		LinkInfo: model.LinkInfo{Type: model.LinkAlbum, Storefront: "us", ID: "100"},
		Status: model.StatusPendingMeta,
	}})
	require.NoError(t, err)

	r.Resolve(context.Background(), "a1")

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusError, all[0].Status)
	assert.NotEmpty(t, all[0].ErrorReason)
}

func TestResolve_SongRewritesToAlbumAndResolvesIt(t *testing.T) {
	r, store := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v1/catalog/us/songs/1" {
			w.Write([]byte(songWithAlbumResponse))
			return
		}
		w.Write([]byte(albumResponse))
	})

	_, _, err := store.Append([]*model.Task{{
		UUID:   "s1",
		User:   "alice",
		Link:   "https://music.apple.com/us/song/-/1",
		LinkInfo: model.LinkInfo{Type: model.LinkSong, Storefront: "us", ID: "1"},
		Status: model.StatusPendingMeta,
	}})
	require.NoError(t, err)

	r.Resolve(context.Background(), "s1")

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusReady, all[0].Status)
	assert.Equal(t, model.LinkAlbum, all[0].LinkInfo.Type)
	assert.Equal(t, "100", all[0].LinkInfo.ID)
	assert.Equal(t, "Test Album", all[0].Metadata.Name)
}

func TestResolve_SongDedupsAgainstExistingAlbumTask(t *testing.T) {
	r, store := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(songWithAlbumResponse))
	})

	_, _, err := store.Append([]*model.Task{
		{
			UUID:   "album-task",
			User:   "alice",
			Link:   "https://music.apple.com/us/album/-/100",
			LinkInfo: model.LinkInfo{Type: model.LinkAlbum, Storefront: "us", ID: "100"},
			Status: model.StatusReady,
		},
		{
			UUID:   "s1",
			User:   "alice",
			Link:   "https://music.apple.com/us/song/-/1",
			LinkInfo: model.LinkInfo{Type: model.LinkSong, Storefront: "us", ID: "1"},
			Status: model.StatusPendingMeta,
		},
	})
	require.NoError(t, err)

	r.Resolve(context.Background(), "s1")

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1, "the song task should have been dropped as a duplicate of the album task")
	assert.Equal(t, "album-task", all[0].UUID)
}

func TestResolve_VanishedTaskIsNoop(t *testing.T) {
	var contacted bool
	r, _ := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		contacted = true
		w.Write([]byte(albumResponse))
	})

	r.Resolve(context.Background(), "missing-uuid")

	assert.False(t, contacted, "upstream should not be contacted for a task that no longer exists")
}

func TestScanOnce_OnlyResolvesUntouchedPendingMetaTasks(t *testing.T) {
	var calls int
	r, store := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.Write([]byte(albumResponse))
	})

	_, _, err := store.Append([]*model.Task{
		{UUID: "pending", User: "alice", Link: "https://music.apple.com/us/album/-/100",
			LinkInfo: model.LinkInfo{Type: model.LinkAlbum, Storefront: "us", ID: "100"}, Status: model.StatusPendingMeta},
		{UUID: "already-ready", User: "alice", Link: "https://music.apple.com/us/album/-/200",
			LinkInfo: model.LinkInfo{Type: model.LinkAlbum, Storefront: "us", ID: "200"}, Status: model.StatusReady,
			Metadata: &model.Metadata{Name: "already resolved"}},
	})
	require.NoError(t, err)

	r.scanOnce(context.Background())

	require.Eventually(t, func() bool {
		all, err := store.All()
		require.NoError(t, err)
		for _, task := range all {
			if task.UUID == "pending" {
				return task.Status == model.StatusReady
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, calls)
}
