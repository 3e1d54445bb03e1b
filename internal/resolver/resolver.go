// Package resolver implements the asynchronous Metadata Resolver: one
// goroutine per newly accepted task, fetching and normalizing upstream
// metadata and performing the song-to-album rewrite. Grounded on the
// teacher's internal/core worker-per-job fan-out shape (one goroutine per
// accepted unit of work, no shared worker pool) and on
// original_source/python's resolve_task / extract_album_metadata /
// extract_song_metadata family.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"amdl-orchestrator/internal/appleapi"
	"amdl-orchestrator/internal/linkparser"
	"amdl-orchestrator/internal/model"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/token"
	"amdl-orchestrator/internal/udpwake"
)

const watchPollInterval = 5 * time.Second

// Resolver fetches and normalizes metadata for newly accepted tasks.
type Resolver struct {
	store      *queuestore.Store
	api        *appleapi.Client
	tokens     *token.Manager
	wake       *udpwake.Sender
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration

	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

// New builds a Resolver.
func New(store *queuestore.Store, api *appleapi.Client, tokens *token.Manager, wake *udpwake.Sender, logger *slog.Logger, maxRetries int, retryDelay time.Duration) *Resolver {
	return &Resolver{store: store, api: api, tokens: tokens, wake: wake, logger: logger, maxRetries: maxRetries, retryDelay: retryDelay, inFlight: make(map[string]bool)}
}

// Watch periodically scans the queue for pending_meta tasks with no
// metadata and no in-flight resolve goroutine, and fires one. This picks up
// pending_meta tasks whose resolve never completed, such as those left by an
// earlier run of the ingest process. The scheduler's orphan recovery does not
// rely on it: it re-submits orphans through the Submission API.
func (r *Resolver) Watch(ctx context.Context) {
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Resolver) scanOnce(ctx context.Context) {
	tasks, err := r.store.All()
	if err != nil {
		r.logger.Error("resolver: watch scan failed", "error", err)
		return
	}
	for _, t := range tasks {
		if t.Status != model.StatusPendingMeta || t.Metadata != nil {
			continue
		}
		r.inFlightMu.Lock()
		if r.inFlight[t.UUID] {
			r.inFlightMu.Unlock()
			continue
		}
		r.inFlight[t.UUID] = true
		r.inFlightMu.Unlock()

		go func(uuid string) {
			defer func() {
				r.inFlightMu.Lock()
				delete(r.inFlight, uuid)
				r.inFlightMu.Unlock()
			}()
			r.Resolve(ctx, uuid)
		}(t.UUID)
	}
}

// Resolve runs to completion for one task uuid: it is meant to be invoked as
// its own goroutine per spec.md §4.4/§5 ("unbounded fan-out, bounded only by
// submission rate").
func (r *Resolver) Resolve(ctx context.Context, uuid string) {
	tasks, err := r.store.All()
	if err != nil {
		r.logger.Error("resolver: read queue failed", "uuid", uuid, "error", err)
		return
	}

	var task *model.Task
	for _, t := range tasks {
		if t.UUID == uuid {
			task = t
			break
		}
	}
	if task == nil {
		r.logger.Warn("resolver: task vanished before resolve", "uuid", uuid)
		return
	}

	meta, err := r.fetchWithRetry(ctx, task.LinkInfo)
	if err != nil {
		r.fail(uuid, err)
		return
	}

	if task.LinkInfo.Type == model.LinkSong && meta.AlbumURL != "" {
		if r.rewriteToAlbum(ctx, uuid, task, meta) {
			return
		}
	}

	if err := r.store.Update(uuid, func(t *model.Task) bool {
		t.Metadata = meta
		t.Status = model.StatusReady
		return true
	}); err != nil {
		r.logger.Error("resolver: failed to persist ready task", "uuid", uuid, "error", err)
		return
	}

	r.wake.Wake()
}

// rewriteToAlbum implements the song-to-album rewrite: it re-parses the
// song's album_url, checks for an existing album task for the same user
// (deleting this song task instead, per spec.md §4.4's dedup rule), or
// rewrites this task in place and re-resolves it against the album.
// Returns true if it fully handled the task (caller should not also mark it
// ready with the song-shaped metadata).
func (r *Resolver) rewriteToAlbum(ctx context.Context, uuid string, task *model.Task, songMeta *model.Metadata) bool {
	albumLink, albumInfo, err := linkparser.Parse(songMeta.AlbumURL)
	if err != nil {
		r.logger.Warn("resolver: could not parse album_url from song", "uuid", uuid, "error", err)
		return false
	}

	existingTasks, err := r.store.All()
	if err != nil {
		r.logger.Error("resolver: read queue failed during rewrite", "uuid", uuid, "error", err)
		return false
	}
	for _, t := range existingTasks {
		if t.UUID != uuid && t.User == task.User && t.LinkInfo.Type == model.LinkAlbum && t.LinkInfo.ID == albumInfo.ID {
			r.logger.Info("resolver: song-to-album dedup, dropping song task", "uuid", uuid, "album_uuid", t.UUID)
			if err := r.store.Remove(uuid); err != nil {
				r.logger.Error("resolver: failed to remove deduped song task", "uuid", uuid, "error", err)
			}
			return true
		}
	}

	if err := r.store.Update(uuid, func(t *model.Task) bool {
		t.Link = albumLink
		t.LinkInfo = albumInfo
		return true
	}); err != nil {
		r.logger.Error("resolver: failed to rewrite song task to album", "uuid", uuid, "error", err)
		return true
	}

	r.Resolve(ctx, uuid)
	return true
}

func (r *Resolver) fail(uuid string, cause error) {
	if err := r.store.Update(uuid, func(t *model.Task) bool {
		t.Status = model.StatusError
		t.ErrorReason = cause.Error()
		return true
	}); err != nil {
		r.logger.Error("resolver: failed to persist error status", "uuid", uuid, "error", err)
	}
}

func (r *Resolver) fetchWithRetry(ctx context.Context, info model.LinkInfo) (*model.Metadata, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.retryDelay)
		}

		tok := r.tokens.Get(ctx)
		body, err := r.api.FetchMetadata(ctx, tok, info, includeFor(info.Type), extendFor(info.Type))
		if err == nil {
			return extractMetadata(info.Type, body)
		}

		if errors.Is(err, appleapi.ErrNotFound) || errors.Is(err, appleapi.ErrInvalidLanguageTag) {
			return nil, err
		}
		if errors.Is(err, appleapi.ErrUnauthorized) {
			r.tokens.Invalidate()
			lastErr = err
			continue
		}

		var retryable *appleapi.Retryable
		if errors.As(err, &retryable) {
			lastErr = err
			continue
		}

		return nil, err
	}
	return nil, fmt.Errorf("resolver: exhausted retries: %w", lastErr)
}

func includeFor(t model.LinkType) string {
	switch t {
	case model.LinkAlbum:
		return "tracks"
	case model.LinkPlaylist:
		return "tracks,curator"
	case model.LinkSong:
		return "albums"
	default:
		return ""
	}
}

func extendFor(t model.LinkType) string {
	if t == model.LinkAlbum || t == model.LinkPlaylist {
		return "artistUrl"
	}
	return ""
}

type attributesEnvelope struct {
	Data []struct {
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
		Relationships struct {
			Tracks struct {
				Data []json.RawMessage `json:"data"`
			} `json:"tracks"`
			Curator struct {
				Data []struct {
					Attributes struct {
						Name string `json:"name"`
					} `json:"attributes"`
				} `json:"data"`
			} `json:"curator"`
			Albums struct {
				Data []struct {
					Attributes struct {
						URL string `json:"url"`
					} `json:"attributes"`
				} `json:"data"`
			} `json:"albums"`
		} `json:"relationships"`
	} `json:"data"`
}

// extractMetadata builds the type-specific filtered view described in
// spec.md §4.4 from the raw upstream JSON response.
func extractMetadata(t model.LinkType, body []byte) (*model.Metadata, error) {
	var env attributesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("resolver: parse upstream response: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, errors.New("resolver: empty upstream response")
	}
	entry := env.Data[0]

	switch t {
	case model.LinkAlbum:
		var attrs struct {
			Name       string `json:"name"`
			ArtistName string `json:"artistName"`
			ArtworkURL string `json:"artwork.url"`
			TrackCount int    `json:"trackCount"`
			Artwork    struct {
				URL string `json:"url"`
			} `json:"artwork"`
		}
		if err := json.Unmarshal(entry.Attributes, &attrs); err != nil {
			return nil, err
		}
		rawTracks := entry.Relationships.Tracks.Data
		maxDisc := maxDiscNumber(rawTracks)
		tracks := make([]model.Track, 0, len(rawTracks))
		for i, raw := range rawTracks {
			track, err := parseTrack(raw, i+1, maxDisc)
			if err != nil {
				continue
			}
			tracks = append(tracks, track)
		}
		return &model.Metadata{
			Name:       attrs.Name,
			ArtistName: attrs.ArtistName,
			ID:         entry.ID,
			ArtworkURL: attrs.Artwork.URL,
			TrackCount: attrs.TrackCount,
			Tracks:     tracks,
		}, nil

	case model.LinkPlaylist:
		var attrs struct {
			Name         string `json:"name"`
			CuratorName  string `json:"curatorName"`
			LastModified string `json:"lastModifiedDate"`
			Artwork      struct {
				URL string `json:"url"`
			} `json:"artwork"`
		}
		if err := json.Unmarshal(entry.Attributes, &attrs); err != nil {
			return nil, err
		}
		curator := attrs.CuratorName
		if curator == "" && len(entry.Relationships.Curator.Data) > 0 {
			curator = entry.Relationships.Curator.Data[0].Attributes.Name
		}
		tracks := make([]model.Track, 0, len(entry.Relationships.Tracks.Data))
		for i, raw := range entry.Relationships.Tracks.Data {
			track, err := parseTrack(raw, i+1, 0)
			if err != nil {
				continue
			}
			tracks = append(tracks, track)
		}
		return &model.Metadata{
			Name:         attrs.Name,
			CuratorName:  curator,
			ID:           entry.ID,
			ArtworkURL:   attrs.Artwork.URL,
			LastModified: attrs.LastModified,
			Tracks:       tracks,
		}, nil

	case model.LinkMusicVideo:
		var attrs struct {
			Name            string `json:"name"`
			ArtistName      string `json:"artistName"`
			DurationInMillis int64 `json:"durationInMillis"`
			Artwork         struct {
				URL    string `json:"url"`
				Width  int    `json:"width"`
				Height int    `json:"height"`
			} `json:"artwork"`
		}
		if err := json.Unmarshal(entry.Attributes, &attrs); err != nil {
			return nil, err
		}
		return &model.Metadata{
			Name:       attrs.Name,
			ArtistName: attrs.ArtistName,
			ID:         entry.ID,
			ArtworkURL: attrs.Artwork.URL,
			DurationMS: attrs.DurationInMillis,
			Width:      attrs.Artwork.Width,
			Height:     attrs.Artwork.Height,
		}, nil

	case model.LinkSong:
		var attrs struct {
			Name       string `json:"name"`
			ArtistName string `json:"artistName"`
			HasLyrics  bool   `json:"hasLyrics"`
			Artwork    struct {
				URL string `json:"url"`
			} `json:"artwork"`
		}
		if err := json.Unmarshal(entry.Attributes, &attrs); err != nil {
			return nil, err
		}
		albumURL := ""
		if len(entry.Relationships.Albums.Data) > 0 {
			albumURL = entry.Relationships.Albums.Data[0].Attributes.URL
		}
		return &model.Metadata{
			Name:       attrs.Name,
			ArtistName: attrs.ArtistName,
			ID:         entry.ID,
			ArtworkURL: attrs.Artwork.URL,
			HasLyrics:  attrs.HasLyrics,
			AlbumURL:   albumURL,
		}, nil
	}

	return nil, fmt.Errorf("resolver: unsupported link type %q", t)
}

type trackAttributes struct {
	ID         string `json:"id"`
	Attributes struct {
		Name        string `json:"name"`
		TrackNumber int    `json:"trackNumber"`
		URL         string `json:"url"`
		HasLyrics   bool   `json:"hasLyrics"`
		DiscNumber  int    `json:"discNumber"`
		DiscCount   int    `json:"discCount"`
	} `json:"attributes"`
}

// maxDiscNumber scans every raw track in an album and returns the highest
// discNumber seen, so disc metadata can be populated consistently across
// every track once any track reports more than one disc (spec.md §8:
// "album metadata populates disc_total on every track" whenever
// max_disc_number > 1), rather than only on the tracks that happen to carry
// discNumber > 1 themselves.
func maxDiscNumber(raw []json.RawMessage) int {
	max := 0
	for _, r := range raw {
		var entry trackAttributes
		if err := json.Unmarshal(r, &entry); err != nil {
			continue
		}
		if entry.Attributes.DiscNumber > max {
			max = entry.Attributes.DiscNumber
		}
	}
	return max
}

// parseTrack builds one track's runtime state. albumMaxDisc is the highest
// discNumber seen anywhere in the album (0 if the caller isn't tracking
// disc metadata, e.g. playlists); when it exceeds 1, disc_number/disc_total
// are stamped onto every track, including disc-1 ones whose own discNumber
// field is absent or 1.
func parseTrack(raw json.RawMessage, fallbackOrder, albumMaxDisc int) (model.Track, error) {
	var entry trackAttributes
	if err := json.Unmarshal(raw, &entry); err != nil {
		return model.Track{}, err
	}

	trackNumber := entry.Attributes.TrackNumber
	if trackNumber == 0 {
		trackNumber = fallbackOrder
	}

	track := model.Track{
		SongID:      entry.ID,
		TrackNumber: trackNumber,
		Name:        entry.Attributes.Name,
		URL:         entry.Attributes.URL,
		HasLyrics:   entry.Attributes.HasLyrics,
	}
	if albumMaxDisc > 1 {
		discNumber := entry.Attributes.DiscNumber
		if discNumber == 0 {
			discNumber = 1
		}
		track.DiscNumber = discNumber
		track.DiscTotal = albumMaxDisc
	}
	return track, nil
}
