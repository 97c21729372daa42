package syncer

import (
	"path/filepath"
	"strings"
	"sync"

	"mpdsync/internal/stats"
)

// trackArchiveSize bounds the per-track diagnostic archives.
const trackArchiveSize = 16

// trackHistory archives the drift and adjustment samples of a track
// the follower has moved past, for diagnostics.
type trackHistory struct {
	track       int
	filetype    string
	differences []float64
	adjustments []float64
}

// Follower is the per-follower bookkeeping the replicator and the
// drift controller operate on. All mutation happens under mu, which
// doubles as the re-entrancy guard between the two tasks: the
// replicator blocks on it, the controller try-locks and skips the
// follower when an earlier pass is still running.
type Follower struct {
	Session

	// Latency is the user-supplied static offset in seconds. When
	// non-zero it bypasses the adaptive correction policy.
	Latency float64

	// Pings holds recent round-trip ping durations.
	Pings *stats.Window
	// Adjustments holds every seek correction ever applied.
	Adjustments *stats.Window
	// InitialPlayTimes holds play-latency measurements: how far the
	// follower was behind right after being told to play.
	InitialPlayTimes *stats.Window
	// CurrentTrackDiffs holds drift samples since the current track
	// started; cleared on track change and after corrections.
	CurrentTrackDiffs *stats.Window
	// CurrentTrackAdjustments holds the corrections applied to the
	// current track.
	CurrentTrackAdjustments *stats.Window
	// FiletypeAdjustments buckets corrections by track extension;
	// seek behavior varies consistently by codec.
	FiletypeAdjustments map[string]*stats.Window

	hasBeenSynced bool
	queueVersion  string
	lastTrack     int
	filetype      string
	shouldSeek    bool

	archive []trackHistory

	mu sync.Mutex
}

// NewFollower wraps a connected session with fresh statistics.
func NewFollower(sess Session) *Follower {
	host := sess.Endpoint().Host
	return &Follower{
		Session:                 sess,
		Latency:                 sess.Endpoint().Latency,
		Pings:                   stats.NewWindow(host+" pings", 10),
		Adjustments:             stats.NewWindow(host+" adjustments", 20),
		InitialPlayTimes:        stats.NewWindow(host+" initialPlayTimes", 20),
		CurrentTrackDiffs:       stats.NewUnbounded(host + " currentTrackDifferences"),
		CurrentTrackAdjustments: stats.NewWindow(host+" currentTrackAdjustments", 10),
		FiletypeAdjustments:     make(map[string]*stats.Window),
		lastTrack:               -1,
		shouldSeek:              true,
	}
}

// Host returns the follower's host name, for logging.
func (f *Follower) Host() string { return f.Endpoint().Host }

// Lock serializes access to the follower's state and session. The
// replicator must not skip a sync, so it blocks here.
func (f *Follower) Lock() { f.mu.Lock() }

// TryLock is the controller's entry point: a held lock means an
// earlier iteration is still working this follower, and stacking a
// second one on a slow follower helps nobody.
func (f *Follower) TryLock() bool { return f.mu.TryLock() }

// Unlock releases the follower.
func (f *Follower) Unlock() { f.mu.Unlock() }

// Synced reports whether the first full queue replication completed.
func (f *Follower) Synced() bool { return f.hasBeenSynced }

// QueueVersion returns the last leader queue version confirmed on the
// follower, or an empty string when none is.
func (f *Follower) QueueVersion() string { return f.queueVersion }

// MarkSynced records a completed queue replication at the given
// leader version.
func (f *Follower) MarkSynced(version string) {
	f.hasBeenSynced = true
	f.queueVersion = version
}

// ForceResync drops the replication bookkeeping so the next queue sync
// runs the full path. Used after seek failures, when the follower's
// queue state can no longer be trusted.
func (f *Follower) ForceResync() {
	f.hasBeenSynced = false
	f.queueVersion = ""
}

// ShouldSeek reports whether the controller still considers the
// current track worth correcting.
func (f *Follower) ShouldSeek() bool { return f.shouldSeek }

// SettleTrack marks the current track good enough (or hopeless); no
// further corrections are applied until the track changes.
func (f *Follower) SettleTrack() { f.shouldSeek = false }

// LastTrack returns the track index of the last drift sample, or -1.
func (f *Follower) LastTrack() int { return f.lastTrack }

// Filetype returns the extension of the current track, which buckets
// the adjustment diagnostics.
func (f *Follower) Filetype() string { return f.filetype }

// TrackChanged archives the outgoing track's histories, resets the
// per-track state, and re-arms the controller for the new track. It
// must run before a measurement against the new track is interpreted.
func (f *Follower) TrackChanged(track int, file string) {
	if f.lastTrack >= 0 && (f.CurrentTrackDiffs.Len() > 0 || f.CurrentTrackAdjustments.Len() > 0) {
		f.archive = append(f.archive, trackHistory{
			track:       f.lastTrack,
			filetype:    f.filetype,
			differences: f.CurrentTrackDiffs.Snapshot(),
			adjustments: f.CurrentTrackAdjustments.Snapshot(),
		})
		if len(f.archive) > trackArchiveSize {
			f.archive = f.archive[len(f.archive)-trackArchiveSize:]
		}
	}

	f.CurrentTrackDiffs.Clear()
	f.CurrentTrackAdjustments.Clear()
	f.shouldSeek = true
	f.lastTrack = track
	f.filetype = fileExt(file)
}

// RecordAdjustment books a successfully applied correction into the
// lifetime, per-track, and per-filetype histories, and drops the drift
// samples that described the pre-seek position.
func (f *Follower) RecordAdjustment(a float64) {
	f.Adjustments.Push(a)
	f.CurrentTrackAdjustments.Push(a)
	if f.filetype != "" {
		w, ok := f.FiletypeAdjustments[f.filetype]
		if !ok {
			w = stats.NewUnbounded(f.Host() + " " + f.filetype + " adjustments")
			f.FiletypeAdjustments[f.filetype] = w
		}
		w.Push(a)
	}
	f.CurrentTrackDiffs.Clear()
}

// SeekFailed reacts to a failed correction: the follower's queue state
// is suspect, so force a full re-replication, and drop the per-track
// adjustments to prevent wild jitter after seek timeouts.
func (f *Follower) SeekFailed() {
	f.ForceResync()
	f.CurrentTrackAdjustments.Clear()
}

// TrackArchive returns the archived per-track histories, oldest first.
func (f *Follower) TrackArchive() []trackHistory {
	out := make([]trackHistory, len(f.archive))
	copy(out, f.archive)
	return out
}

// fileExt extracts the lowercased extension used for filetype
// bucketing; stream URLs without an extension bucket as "".
func fileExt(file string) string {
	ext := strings.TrimPrefix(filepath.Ext(file), ".")
	return strings.ToLower(ext)
}
