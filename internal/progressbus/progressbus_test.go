package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeProgress_ReceivesReplaySnapshotThenLiveUpdate(t *testing.T) {
	b := New(10)
	b.PublishProgress("task-1", TrackEvent{SongID: "s1", Progress: Progress{Current: 1, Total: 10}})

	ch, cancel, err := b.SubscribeProgress("task-1")
	require.NoError(t, err)
	defer cancel()

	select {
	case msg := <-ch:
		assert.Contains(t, string(msg), `"song_id":"s1"`)
	case <-time.After(time.Second):
		t.Fatal("did not receive replay snapshot")
	}

	b.PublishProgress("task-1", TrackEvent{SongID: "s2", Progress: Progress{Current: 2, Total: 10}})
	select {
	case msg := <-ch:
		assert.Contains(t, string(msg), `"song_id":"s2"`)
	case <-time.After(time.Second):
		t.Fatal("did not receive live update")
	}
}

func TestSubscribeProgress_AtCapacityRejects(t *testing.T) {
	b := New(1)
	_, cancel, err := b.SubscribeProgress("task-1")
	require.NoError(t, err)
	defer cancel()

	_, _, err = b.SubscribeProgress("task-2")
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestSubscribeNotice_BroadcastsToAllSubscribers(t *testing.T) {
	b := New(10)
	ch1, cancel1, err := b.SubscribeNotice()
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.SubscribeNotice()
	require.NoError(t, err)
	defer cancel2()

	b.PublishNotice(NoticeEvent{Event: "task_completed", UUID: "u1"})

	for _, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case msg := <-ch:
			assert.Contains(t, string(msg), `"uuid":"u1"`)
		case <-time.After(time.Second):
			t.Fatal("notice subscriber did not receive broadcast")
		}
	}
}

func TestDropTask_ClearsReplaySnapshot(t *testing.T) {
	b := New(10)
	b.PublishProgress("task-1", TrackEvent{SongID: "s1"})
	b.DropTask("task-1")

	ch, cancel, err := b.SubscribeProgress("task-1")
	require.NoError(t, err)
	defer cancel()

	select {
	case <-ch:
		t.Fatal("expected no replay snapshot after DropTask")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancel_ReleasesConnectionSlot(t *testing.T) {
	b := New(1)
	_, cancel, err := b.SubscribeProgress("task-1")
	require.NoError(t, err)
	cancel()

	_, cancel2, err := b.SubscribeNotice()
	require.NoError(t, err)
	defer cancel2()
}

func TestStats_ReflectsActiveSubscribers(t *testing.T) {
	b := New(10)
	_, cancelP, err := b.SubscribeProgress("task-1")
	require.NoError(t, err)
	defer cancelP()
	_, cancelN, err := b.SubscribeNotice()
	require.NoError(t, err)
	defer cancelN()

	stats := b.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1, stats.TaskClients["task-1"])
	assert.Equal(t, 1, stats.NoticeClients)
}
