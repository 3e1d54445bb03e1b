// Package model holds the shared data types that flow between the ingest and
// scheduler processes through the on-disk task queue.
package model

import "time"

// Status is a task's position in the task state machine (pending_meta, ready,
// running, then finish or error).
type Status string

const (
	StatusPendingMeta Status = "pending_meta"
	StatusReady       Status = "ready"
	StatusRunning     Status = "running"
	StatusFinish      Status = "finish"
	StatusError       Status = "error"
)

// LinkType enumerates the kinds of Apple Music links the system accepts.
type LinkType string

const (
	LinkAlbum       LinkType = "album"
	LinkPlaylist    LinkType = "playlist"
	LinkSong        LinkType = "song"
	LinkMusicVideo  LinkType = "music-video"
)

// LinkInfo is the normalized, parsed form of a submitted link.
type LinkInfo struct {
	Type       LinkType `json:"type"`
	Storefront string   `json:"storefront"`
	ID         string   `json:"id"`
}

// Progress is the byte-level download progress of a single track.
type Progress struct {
	Current int64   `json:"current"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

// Track is one unit of work inside an album or playlist. Single-song and
// music-video tasks carry no track list; they are treated as one virtual
// track equal to the task itself (see Task.VirtualTrack).
type Track struct {
	SongID      string `json:"song_id"`
	TrackNumber int    `json:"track_number"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	HasLyrics   bool   `json:"hasLyrics"`
	DiscNumber  int    `json:"disc_number,omitempty"`
	DiscTotal   int    `json:"disc_total,omitempty"`

	// Runtime state, populated during execution.
	DownloadProgress  *Progress `json:"download_progress,omitempty"`
	DownloadStatus    string    `json:"download_status,omitempty"`
	DecryptionStatus  string    `json:"decryption_status,omitempty"`
	ConnectionStatus  string    `json:"connection_status,omitempty"`
	LyricsStatus      string    `json:"lyrics_status,omitempty"`
	BitDepth          int       `json:"bit_depth,omitempty"`
	SampleRate        int       `json:"sample_rate,omitempty"`
	CheckSuccess      bool      `json:"check_success,omitempty"`
}

// Metadata is the normalized, type-specific view extracted from the upstream
// API response. Fields not relevant to a given link type are left zero.
type Metadata struct {
	Name          string  `json:"name"`
	ArtistName    string  `json:"artistName,omitempty"`
	CuratorName   string  `json:"curatorName,omitempty"`
	ID            string  `json:"id"`
	ArtworkURL    string  `json:"artwork_url,omitempty"`
	TrackCount    int     `json:"trackCount,omitempty"`
	Tracks        []Track `json:"tracks,omitempty"`
	LastModified  string  `json:"lastModifiedDate,omitempty"`
	DurationMS    int64   `json:"durationInMillis,omitempty"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	HasLyrics     bool    `json:"hasLyrics,omitempty"`
	AlbumURL      string  `json:"album_url,omitempty"`
}

// Task is the unit of work tracked through the state machine by UUID.
type Task struct {
	UUID     string   `json:"uuid"`
	User     string   `json:"user"`
	Link     string   `json:"link"`
	LinkInfo LinkInfo `json:"link_info"`
	Status   Status   `json:"status"`
	Metadata *Metadata `json:"metadata"`

	SubmitTime          time.Time  `json:"submit_time"`
	ProcessStartTime    *time.Time `json:"process_start_time,omitempty"`
	ProcessCompleteTime *time.Time `json:"process_complete_time,omitempty"`

	OrderIndex int  `json:"order_index"`
	SkipCheck  bool `json:"skip_check"`
	Checking   bool `json:"checking,omitempty"`

	ErrorReason string `json:"error_reason,omitempty"`
	ErrorLog    string `json:"error_log,omitempty"`
}

// IsTerminal reports whether the task has reached finish or error.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusFinish || t.Status == StatusError
}

// VirtualTrack returns the single track a single-song or music-video task is
// treated as: its "song_id" is the task's own link.
func (t *Task) VirtualTrack() Track {
	return Track{
		SongID:      t.Link,
		TrackNumber: 1,
		Name:        t.displayName(),
		URL:         t.Link,
	}
}

func (t *Task) displayName() string {
	if t.Metadata != nil && t.Metadata.Name != "" {
		return t.Metadata.Name
	}
	return t.Link
}

// Tracks returns the tracks to execute for this task: the metadata track
// list for album/playlist, or the single virtual track otherwise.
func (t *Task) Tracks() []Track {
	if t.Metadata != nil && len(t.Metadata.Tracks) > 0 {
		return t.Metadata.Tracks
	}
	return []Track{t.VirtualTrack()}
}

// DisplayName and DisplayType mirror get_task_display_info from the Python
// original: human-readable name and type for notifications and logs.
func (t *Task) DisplayName() string {
	return t.displayName()
}

func (t *Task) DisplayType() string {
	if t.LinkInfo.Type == "" {
		return "unknown"
	}
	return string(t.LinkInfo.Type)
}
