package mpd

import (
	"strconv"
	"strings"

	gompd "github.com/fhs/gompd/v2/mpd"
)

// State is the daemon's playback state.
type State string

const (
	StatePlay    State = "play"
	StatePause   State = "pause"
	StateStop    State = "stop"
	StateUnknown State = ""
)

// Status is an immutable snapshot of a daemon's player state at the
// moment it was read. Song, Elapsed, and Duration are -1 when the
// daemon did not report them.
type Status struct {
	QueueLength  int
	QueueVersion string
	Song         int
	Elapsed      float64
	Duration     float64
	State        State
	Consume      bool
	Random       bool
	Repeat       bool
	Single       bool
}

// Playing reports whether the daemon is in the play state.
func (s *Status) Playing() bool { return s != nil && s.State == StatePlay }

// Paused reports whether the daemon is in the pause state.
func (s *Status) Paused() bool { return s != nil && s.State == StatePause }

// HasSong reports whether the snapshot carries a current track index.
func (s *Status) HasSong() bool { return s != nil && s.Song >= 0 }

// HasElapsed reports whether the snapshot carries an elapsed time.
func (s *Status) HasElapsed() bool { return s != nil && s.Elapsed >= 0 }

// QueueEntry is one track in a daemon's queue: a reference the daemon
// can resolve, plus tag overrides carried by streamed entries.
type QueueEntry struct {
	File   string
	Artist string
	Album  string
	Title  string
	Genre  string
}

// IsStream reports whether the entry references a remote stream rather
// than a file in the daemon's database.
func (e QueueEntry) IsStream() bool { return strings.Contains(e.File, "http") }

// QueueChange is one row of a queue delta (plchanges): the entry now
// at Pos, with whatever tags the leader supplied for it.
type QueueChange struct {
	Pos    int
	File   string
	Artist string
	Album  string
	Title  string
	Genre  string
}

// IsStream reports whether the changed entry references a remote stream.
func (c QueueChange) IsStream() bool { return strings.Contains(c.File, "http") }

// Tags returns the tag overrides the change supplies, keyed by the
// daemon's tag names.
func (c QueueChange) Tags() map[string]string {
	tags := make(map[string]string, 4)
	if c.Artist != "" {
		tags["artist"] = c.Artist
	}
	if c.Album != "" {
		tags["album"] = c.Album
	}
	if c.Title != "" {
		tags["title"] = c.Title
	}
	if c.Genre != "" {
		tags["genre"] = c.Genre
	}
	return tags
}

func statusFromAttrs(attrs gompd.Attrs) *Status {
	if attrs == nil {
		return nil
	}
	st := &Status{
		QueueVersion: attrs["playlist"],
		Song:         attrIntDefault(attrs, "song", -1),
		Elapsed:      attrFloatDefault(attrs, "elapsed", -1),
		Duration:     attrFloatDefault(attrs, "duration", -1),
		Consume:      attrs["consume"] == "1",
		Random:       attrs["random"] == "1",
		Repeat:       attrs["repeat"] == "1",
		Single:       attrs["single"] == "1",
	}
	st.QueueLength = attrIntDefault(attrs, "playlistlength", 0)

	switch attrs["state"] {
	case "play":
		st.State = StatePlay
	case "pause":
		st.State = StatePause
	case "stop":
		st.State = StateStop
	default:
		st.State = StateUnknown
	}
	return st
}

func entryFromAttrs(attrs gompd.Attrs) QueueEntry {
	return QueueEntry{
		File:   stripFilePrefix(attrs["file"]),
		Artist: attrs["Artist"],
		Album:  attrs["Album"],
		Title:  attrs["Title"],
		Genre:  attrs["Genre"],
	}
}

func changeFromAttrs(attrs gompd.Attrs) QueueChange {
	return QueueChange{
		Pos:    attrIntDefault(attrs, "Pos", 0),
		File:   stripFilePrefix(attrs["file"]),
		Artist: attrs["Artist"],
		Album:  attrs["Album"],
		Title:  attrs["Title"],
		Genre:  attrs["Genre"],
	}
}

// stripFilePrefix removes the raw-protocol "file: " marker some
// playlist listings carry in front of the track reference.
func stripFilePrefix(file string) string {
	return strings.TrimPrefix(file, "file: ")
}

// attrIntDefault reads an integer attribute, falling back when the
// attribute is absent or malformed.
func attrIntDefault(attrs gompd.Attrs, key string, def int) int {
	str, ok := attrs[key]
	if !ok {
		return def
	}
	v, err := strconv.Atoi(str)
	if err != nil {
		return def
	}
	return v
}

func attrFloatDefault(attrs gompd.Attrs, key string, def float64) float64 {
	str, ok := attrs[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return def
	}
	return v
}
