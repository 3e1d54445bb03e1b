package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal_FinishAndErrorAreTerminal(t *testing.T) {
	assert.True(t, (&Task{Status: StatusFinish}).IsTerminal())
	assert.True(t, (&Task{Status: StatusError}).IsTerminal())
	assert.False(t, (&Task{Status: StatusRunning}).IsTerminal())
	assert.False(t, (&Task{Status: StatusPendingMeta}).IsTerminal())
}

func TestVirtualTrack_UsesLinkAsSongIDAndMetadataNameWhenPresent(t *testing.T) {
	task := &Task{Link: "https://music.apple.com/us/song/-/1", Metadata: &Metadata{Name: "A Song"}}
	track := task.VirtualTrack()

	assert.Equal(t, task.Link, track.SongID)
	assert.Equal(t, task.Link, track.URL)
	assert.Equal(t, 1, track.TrackNumber)
	assert.Equal(t, "A Song", track.Name)
}

func TestVirtualTrack_FallsBackToLinkWhenNoMetadata(t *testing.T) {
	task := &Task{Link: "https://music.apple.com/us/song/-/1"}
	assert.Equal(t, task.Link, task.VirtualTrack().Name)
}

func TestTracks_ReturnsMetadataTracksForAlbum(t *testing.T) {
	task := &Task{Metadata: &Metadata{Tracks: []Track{{SongID: "a"}, {SongID: "b"}}}}
	assert.Len(t, task.Tracks(), 2)
}

func TestTracks_ReturnsVirtualTrackWhenNoMetadataTracks(t *testing.T) {
	task := &Task{Link: "https://music.apple.com/us/song/-/1"}
	tracks := task.Tracks()
	assert.Len(t, tracks, 1)
	assert.Equal(t, task.Link, tracks[0].SongID)
}

func TestDisplayName_PrefersMetadataNameOverLink(t *testing.T) {
	task := &Task{Link: "https://music.apple.com/us/album/-/1", Metadata: &Metadata{Name: "Great Album"}}
	assert.Equal(t, "Great Album", task.DisplayName())
}

func TestDisplayType_UnknownWhenLinkInfoEmpty(t *testing.T) {
	assert.Equal(t, "unknown", (&Task{}).DisplayType())
	assert.Equal(t, "album", (&Task{LinkInfo: LinkInfo{Type: LinkAlbum}}).DisplayType())
}
