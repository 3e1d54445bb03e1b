// Package linkparser normalizes raw Apple Music URLs into a model.LinkInfo
// and canonical link string. Grounded on the resolver logic in
// original_source/python/main.py's parse_apple_music_url, reworked into a
// small regex-driven parser in the teacher's internal/ style (small focused
// files, sentinel errors over panics).
package linkparser

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"amdl-orchestrator/internal/model"
)

// ErrUnsupportedLink is returned for URLs that are not music.apple.com links
// of a recognized shape.
var ErrUnsupportedLink = errors.New("linkparser: unsupported or malformed link")

var pathPattern = regexp.MustCompile(`^/(?P<storefront>[a-z]{2})/(?P<kind>album|playlist|song|music-video)/[^/]+/(?P<id>[0-9]+)$`)

// Parse normalizes raw into a canonical link string and its LinkInfo. It
// strips the `?i=<trackId>` in-album track-selection query parameter before
// classification, per spec.md's song-to-album rewrite edge case.
func Parse(raw string) (string, model.LinkInfo, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", model.LinkInfo{}, fmt.Errorf("%w: %v", ErrUnsupportedLink, err)
	}
	if !strings.HasSuffix(u.Host, "music.apple.com") {
		return "", model.LinkInfo{}, ErrUnsupportedLink
	}

	m := pathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", model.LinkInfo{}, ErrUnsupportedLink
	}

	var storefront, kind, id string
	for i, name := range pathPattern.SubexpNames() {
		switch name {
		case "storefront":
			storefront = m[i]
		case "kind":
			kind = m[i]
		case "id":
			id = m[i]
		}
	}

	info := model.LinkInfo{
		Type:       model.LinkType(kind),
		Storefront: storefront,
		ID:         id,
	}

	canonical := fmt.Sprintf("https://music.apple.com/%s/%s/-/%s", storefront, kind, id)
	return canonical, info, nil
}

// StripTrackSelector removes the `?i=` query parameter from an album URL,
// returning the base album link unchanged otherwise.
func StripTrackSelector(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Del("i")
	u.RawQuery = q.Encode()
	s := u.String()
	return strings.TrimSuffix(s, "?")
}
