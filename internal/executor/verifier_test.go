package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amdl-orchestrator/internal/model"
)

func scriptBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "downloader.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestOrderedGlobalTracks_SortsByDiscThenTrackNumber(t *testing.T) {
	task := &model.Task{Metadata: &model.Metadata{Tracks: []model.Track{
		{SongID: "b", DiscNumber: 2, TrackNumber: 1},
		{SongID: "a", DiscNumber: 1, TrackNumber: 2},
		{SongID: "c", DiscNumber: 1, TrackNumber: 1},
	}}}

	ordered := orderedGlobalTracks(task)

	assert.Equal(t, []string{"c", "a", "b"}, []string{ordered[0].SongID, ordered[1].SongID, ordered[2].SongID})
}

func TestOrderedGlobalTracks_TreatsZeroDiscAsOne(t *testing.T) {
	task := &model.Task{Metadata: &model.Metadata{Tracks: []model.Track{
		{SongID: "a", DiscNumber: 0, TrackNumber: 2},
		{SongID: "b", DiscNumber: 1, TrackNumber: 1},
	}}}

	ordered := orderedGlobalTracks(task)

	assert.Equal(t, "b", ordered[0].SongID)
	assert.Equal(t, "a", ordered[1].SongID)
}

func TestLocateByGlobalTrack_OutOfRangeReturnsNil(t *testing.T) {
	ordered := []*model.Track{{SongID: "a"}, {SongID: "b"}}
	assert.Nil(t, locateByGlobalTrack(ordered, 0))
	assert.Nil(t, locateByGlobalTrack(ordered, 3))
}

func TestLocateByGlobalTrack_ReturnsOneIndexedEntry(t *testing.T) {
	ordered := []*model.Track{{SongID: "a"}, {SongID: "b"}}
	assert.Equal(t, "b", locateByGlobalTrack(ordered, 2).SongID)
}

func TestVerify_GlobalTrackMarkerAloneDoesNotMarkCheckSuccess(t *testing.T) {
	binary := scriptBinary(t, `echo "Track 1 of 2:"
echo "Track 2 of 2:"
echo "Decrypted"`)
	spawner := newSubprocessSpawner(binary, make(chan struct{}, 1), 0, time.Millisecond, testLogger())
	verifier := newAlbumVerifier(spawner)

	task := &model.Task{
		UUID: "t1",
		Link: "https://music.apple.com/us/album/-/1",
		Metadata: &model.Metadata{Tracks: []model.Track{
			{SongID: "s1", TrackNumber: 1},
			{SongID: "s2", TrackNumber: 2},
		}},
	}

	var confirmed []string
	err := verifier.Verify(context.Background(), task, nil, "tok", "alice", func(songID string) {
		confirmed = append(confirmed, songID)
	})
	require.NoError(t, err)

	// Only the track whose "Track N of M" marker was immediately followed by
	// a success sentinel is confirmed; the marker for the other track was
	// never followed by one, so it stays unverified.
	assert.Equal(t, []string{"s2"}, confirmed)
	assert.False(t, task.Metadata.Tracks[0].CheckSuccess)
	assert.True(t, task.Metadata.Tracks[1].CheckSuccess)
}

func TestVerify_GlobalTrackMarkerFollowedByFailureNeverConfirms(t *testing.T) {
	binary := scriptBinary(t, `echo "Track 1 of 1:"
echo "E:1"`)
	spawner := newSubprocessSpawner(binary, make(chan struct{}, 1), 0, time.Millisecond, testLogger())
	verifier := newAlbumVerifier(spawner)

	task := &model.Task{
		UUID:     "t1",
		Link:     "https://music.apple.com/us/album/-/1",
		Metadata: &model.Metadata{Tracks: []model.Track{{SongID: "s1", TrackNumber: 1}}},
	}

	var confirmed []string
	err := verifier.Verify(context.Background(), task, nil, "tok", "alice", func(songID string) {
		confirmed = append(confirmed, songID)
	})

	assert.Error(t, err)
	assert.Empty(t, confirmed)
	assert.False(t, task.Metadata.Tracks[0].CheckSuccess)
}
