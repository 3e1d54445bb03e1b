// Line parsing for downloader subprocess output. Grounded on
// anyuan-chen-splitter/server/worker/ytdlp.go's scanner-over-stdout,
// field-based progress extraction pattern, generalized from yt-dlp's single
// percentage marker to the downloader binary's sentinel vocabulary named in
// spec.md §4.8.
package executor

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	progressPattern = regexp.MustCompile(`^DL_PROGRESS:(\d+)/(\d+)`)
	trackPattern    = regexp.MustCompile(`^Track (\d+):`)
	verifyPattern   = regexp.MustCompile(`Track (\d+) of (\d+)`)
	bitDepthPattern = regexp.MustCompile(`(\d+)-bit / (\d+) ?Hz`)
	warnCountPattern = regexp.MustCompile(`^W:(\d+)`)
	errCountPattern  = regexp.MustCompile(`^E:(\d+)`)
)

// linePatch is the parsed effect of one subprocess output line, merged into
// the track's runtime state by the caller.
type linePatch struct {
	progressCurrent, progressTotal int64
	hasProgress                    bool

	globalTrackNumber int
	hasGlobalTrack    bool

	connectionStatus string
	downloadStatus   string
	decryptionStatus string
	lyricsStatus     string
	bitDepth         int
	sampleRate       int
	checkSuccess     bool

	warnCount, errCount int
	hasWarnErr          bool

	autoRetrySentinel bool
	tokenFailure      bool
	getEOFFailure     bool
}

// parseLine classifies one line of downloader stdout/stderr per the
// sentinel table in spec.md §4.8.
func parseLine(line string) linePatch {
	var p linePatch
	trimmed := strings.TrimSpace(line)

	if m := progressPattern.FindStringSubmatch(trimmed); m != nil {
		cur, _ := strconv.ParseInt(m[1], 10, 64)
		tot, _ := strconv.ParseInt(m[2], 10, 64)
		p.hasProgress = true
		p.progressCurrent = cur
		p.progressTotal = tot
		return p
	}

	if m := verifyPattern.FindStringSubmatch(trimmed); m != nil {
		n, _ := strconv.Atoi(m[1])
		p.hasGlobalTrack = true
		p.globalTrackNumber = n
		return p
	}

	if m := trackPattern.FindStringSubmatch(trimmed); m != nil {
		n, _ := strconv.Atoi(m[1])
		p.hasGlobalTrack = true
		p.globalTrackNumber = n
		return p
	}

	switch {
	case strings.HasPrefix(trimmed, "Error connecting to device:"):
		p.connectionStatus = "failed"
		return p
	case trimmed == "connected":
		p.connectionStatus = "success"
		return p
	}

	if m := bitDepthPattern.FindStringSubmatch(trimmed); m != nil {
		bits, _ := strconv.Atoi(m[1])
		rate, _ := strconv.Atoi(m[2])
		p.bitDepth = bits
		p.sampleRate = rate
		p.connectionStatus = "success"
		return p
	}

	switch {
	case trimmed == "Downloaded":
		p.downloadStatus = "success"
		return p
	case trimmed == "Decrypted":
		p.decryptionStatus = "success"
		return p
	case trimmed == "Track already exists locally.":
		p.downloadStatus = "exists"
		p.decryptionStatus = "exists"
		return p
	case strings.Contains(trimmed, "Failed to get lyrics"), strings.HasPrefix(trimmed, "SPECIFIC_LYRICS_FAILURE:"):
		p.lyricsStatus = "failed"
		return p
	}

	if m := warnCountPattern.FindStringSubmatch(trimmed); m != nil {
		n, _ := strconv.Atoi(m[1])
		p.hasWarnErr = true
		p.warnCount = n
		return p
	}
	if m := errCountPattern.FindStringSubmatch(trimmed); m != nil {
		n, _ := strconv.Atoi(m[1])
		p.hasWarnErr = true
		p.errCount = n
		return p
	}

	if strings.Contains(trimmed, "Detected token failure") {
		p.tokenFailure = true
		return p
	}
	if strings.HasPrefix(trimmed, "Get ") && strings.HasSuffix(trimmed, "EOF") {
		p.getEOFFailure = true
		return p
	}
	if strings.HasPrefix(trimmed, "Error detected, press Enter to try again") {
		p.autoRetrySentinel = true
		return p
	}

	return p
}

// noisyLineMarkers are substrings of downloader output that are not
// forwarded to the log: progress lines, which are re-derived into structured
// linePatch fields and would otherwise flood the log with one line per
// percent, and the "already exists" notice.
var noisyLineMarkers = []string{"DL_PROGRESS:", "Track already exists locally."}

// filterLogLine reports whether line is worth forwarding to the structured
// log at INFO, tagged with the owning task's uuid by the caller. Grounded
// on original_source/python/main.py's log_go_output_line, which drops
// progress-bar spam and a configurable noise list while keeping everything
// else, including warnings and errors, visible.
func filterLogLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, marker := range noisyLineMarkers {
		if strings.Contains(trimmed, marker) {
			return false
		}
	}
	return true
}
