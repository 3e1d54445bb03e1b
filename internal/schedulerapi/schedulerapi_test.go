package schedulerapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amdl-orchestrator/internal/progressbus"
)

func readLineWithTimeout(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	lineCh := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('\n')
		lineCh <- line
	}()
	select {
	case line := <-lineCh:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE line")
		return ""
	}
}

func TestHandleProgressStream_SendsConnectedEventThenUpdates(t *testing.T) {
	bus := progressbus.New(10)
	server := httptest.NewServer(New(bus).Router())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/progress/task-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line := readLineWithTimeout(t, reader)
	assert.Contains(t, line, "event: connected")

	bus.PublishProgress("task-1", progressbus.TrackEvent{SongID: "s1"})

	for i := 0; i < 10; i++ {
		line := readLineWithTimeout(t, reader)
		if strings.Contains(line, `"song_id":"s1"`) {
			return
		}
	}
	t.Fatal("never observed the published progress update on the stream")
}

func TestHandleProgressStream_AtCapacityReturns503(t *testing.T) {
	bus := progressbus.New(1)
	server := httptest.NewServer(New(bus).Router())
	defer server.Close()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	req1, err := http.NewRequestWithContext(ctx1, http.MethodGet, server.URL+"/api/progress/task-1", nil)
	require.NoError(t, err)
	resp1, err := http.DefaultClient.Do(req1)
	require.NoError(t, err)
	defer resp1.Body.Close()
	bufio.NewReader(resp1.Body).ReadString('\n')

	resp2, err := http.Get(server.URL + "/api/progress/task-2")
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestHandleNoticeStream_BroadcastsNotice(t *testing.T) {
	bus := progressbus.New(10)
	server := httptest.NewServer(New(bus).Router())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/progress/notice", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	time.Sleep(50 * time.Millisecond)
	bus.PublishNotice(progressbus.NoticeEvent{Event: "task_completed", UUID: "u1"})

	for i := 0; i < 10; i++ {
		line := readLineWithTimeout(t, reader)
		if strings.Contains(line, `"uuid":"u1"`) {
			return
		}
	}
	t.Fatal("never observed the broadcast notice on the stream")
}

func TestHandleStatus_ReturnsBusStats(t *testing.T) {
	bus := progressbus.New(10)
	_, cancel, err := bus.SubscribeNotice()
	require.NoError(t, err)
	defer cancel()

	server := httptest.NewServer(New(bus).Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sse/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats progressbus.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.NoticeClients)
}
