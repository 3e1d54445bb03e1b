package linkparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amdl-orchestrator/internal/model"
)

func TestParse_Album(t *testing.T) {
	link, info, err := Parse("https://music.apple.com/us/album/some-name/1234567890")
	require.NoError(t, err)
	assert.Equal(t, "https://music.apple.com/us/album/-/1234567890", link)
	assert.Equal(t, model.LinkAlbum, info.Type)
	assert.Equal(t, "us", info.Storefront)
	assert.Equal(t, "1234567890", info.ID)
}

func TestParse_SongWithTrackSelector(t *testing.T) {
	stripped := StripTrackSelector("https://music.apple.com/gb/album/some-name/111?i=222")
	_, info, err := Parse(stripped)
	require.NoError(t, err)
	assert.Equal(t, model.LinkAlbum, info.Type)
	assert.Equal(t, "111", info.ID)
}

func TestParse_UnsupportedHost(t *testing.T) {
	_, _, err := Parse("https://open.spotify.com/album/1234567890")
	assert.ErrorIs(t, err, ErrUnsupportedLink)
}

func TestParse_MalformedPath(t *testing.T) {
	_, _, err := Parse("https://music.apple.com/us/artist/someone/123")
	assert.ErrorIs(t, err, ErrUnsupportedLink)
}

func TestParse_TrimsWhitespace(t *testing.T) {
	_, info, err := Parse("  https://music.apple.com/de/song/track-name/987654321  ")
	require.NoError(t, err)
	assert.Equal(t, model.LinkSong, info.Type)
	assert.Equal(t, "de", info.Storefront)
}

func TestStripTrackSelector_NoQuery(t *testing.T) {
	in := "https://music.apple.com/us/album/some-name/111"
	assert.Equal(t, in, StripTrackSelector(in))
}

func TestStripTrackSelector_PreservesOtherParams(t *testing.T) {
	out := StripTrackSelector("https://music.apple.com/us/album/some-name/111?i=222&foo=bar")
	assert.NotContains(t, out, "i=222")
	assert.Contains(t, out, "foo=bar")
}
