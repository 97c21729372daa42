package syncer

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"mpdsync/internal/stats"
	"mpdsync/pkg/mpd"
)

// maxSyncAttempts bounds the retries of one per-follower sync step
// across transient errors before the cycle gives up on it.
const maxSyncAttempts = 5

// playSettle is how long a follower gets to actually start producing
// audio before its play latency is measured.
const playSettle = 200 * time.Millisecond

// Replicator mirrors the leader's queue, playback state, and options
// onto followers. It owns the leader command session used between
// idle notifications; the drift controller runs on a separate one.
type Replicator struct {
	leader      Session
	leaderPings *stats.Window
	clk         clock.Clock
	log         zerolog.Logger
}

// NewReplicator creates a replicator driving followers from the given
// leader session.
func NewReplicator(leader Session, clk clock.Clock, log zerolog.Logger) *Replicator {
	return &Replicator{
		leader:      leader,
		leaderPings: stats.NewWindow("leader pings", 10),
		clk:         clk,
		log:         log.With().Str("component", "replicator").Logger(),
	}
}

// SyncAll brings every follower fully in line with the leader: queue,
// options, then playback state.
func (r *Replicator) SyncAll(followers []*Follower) {
	r.SyncQueues(followers)
	r.SyncOptions(followers)
	r.SyncPlayers(followers)
}

// SyncQueues replicates the leader's queue to every follower. Errors
// on one follower are logged and do not block the others.
func (r *Replicator) SyncQueues(followers []*Follower) {
	leaderStatus, err := r.leader.Status()
	if err != nil || leaderStatus == nil {
		r.log.Error().Err(err).Msg("cannot read leader status, skipping queue sync")
		r.leader.CheckAlive()
		return
	}
	leaderQueue, err := r.leader.Queue()
	if err != nil {
		r.log.Error().Err(err).Msg("cannot read leader queue, skipping queue sync")
		return
	}

	for _, f := range followers {
		f.Lock()
		err := r.withRetry(f, func() error {
			return r.syncQueue(leaderStatus, leaderQueue, f)
		})
		f.Unlock()
		if err != nil {
			r.log.Error().Err(err).Str("host", f.Host()).Msg("queue sync failed")
		}
	}
}

// syncQueue replicates the queue to one follower; the caller holds
// the follower's lock.
func (r *Replicator) syncQueue(leaderStatus *mpd.Status, leaderQueue []mpd.QueueEntry, f *Follower) error {
	if !f.CheckAlive() {
		return fmt.Errorf("follower %s is unreachable", f.Host())
	}

	if !f.Synced() {
		// First replication: skip the writes when the queues already
		// match, otherwise replace wholesale in one batch.
		if followerQueue, err := f.Queue(); err == nil && queuesEqual(leaderQueue, followerQueue) {
			r.log.Debug().Str("host", f.Host()).Msg("queue already matches leader")
			f.MarkSynced(leaderStatus.QueueVersion)
			return nil
		}
		if err := f.ReplaceQueue(leaderQueue); err != nil {
			return err
		}
		r.log.Info().Str("host", f.Host()).Int("tracks", len(leaderQueue)).Msg("replicated full queue")
		f.MarkSynced(leaderStatus.QueueVersion)
		return nil
	}

	changes, err := r.leader.Changes(f.QueueVersion())
	if err != nil {
		return err
	}
	ids, err := f.ApplyChanges(changes)
	if err != nil {
		return err
	}
	for i, ch := range changes {
		if !ch.IsStream() {
			continue
		}
		for tag, value := range ch.Tags() {
			if err := f.SetTag(ids[i], tag, value); err != nil {
				return err
			}
		}
	}

	followerStatus, err := f.Status()
	if err != nil {
		return err
	}
	if leaderStatus.QueueLength == 0 {
		if err := f.Clear(); err != nil {
			return err
		}
	} else if followerStatus != nil && leaderStatus.QueueLength < followerStatus.QueueLength {
		if err := f.TruncateTo(leaderStatus.QueueLength, followerStatus.QueueLength); err != nil {
			return err
		}
	}

	if followerStatus, err = f.Status(); err == nil && followerStatus != nil {
		if followerStatus.QueueLength != leaderStatus.QueueLength {
			// Not fatal; the next playlist notification gets another go.
			r.log.Error().
				Str("host", f.Host()).
				Int("follower_len", followerStatus.QueueLength).
				Int("leader_len", leaderStatus.QueueLength).
				Msg("queue lengths don't match after sync")
		}
		// Deleting entries below the playing track stops some players;
		// put the playback state back if it diverged.
		if followerStatus.State != leaderStatus.State {
			if err := r.syncPlayer(f); err != nil {
				r.log.Error().Err(err).Str("host", f.Host()).Msg("player resync after queue sync failed")
			}
		}
	}

	f.MarkSynced(leaderStatus.QueueVersion)
	return nil
}

// SyncPlayers propagates the leader's play/pause/stop state (and
// position, when starting playback) to every follower.
func (r *Replicator) SyncPlayers(followers []*Follower) {
	for _, f := range followers {
		f.Lock()
		err := r.withRetry(f, func() error { return r.syncPlayer(f) })
		f.Unlock()
		if err != nil {
			r.log.Error().Err(err).Str("host", f.Host()).Msg("player sync failed")
		}
	}
}

// syncPlayer aligns one follower's playback state with the leader;
// the caller holds the follower's lock.
func (r *Replicator) syncPlayer(f *Follower) error {
	leaderStatus, err := r.leader.Status()
	if err != nil || leaderStatus == nil {
		return fmt.Errorf("reading leader status: %w", err)
	}
	if !f.CheckAlive() {
		return fmt.Errorf("follower %s is unreachable", f.Host())
	}

	switch {
	case leaderStatus.Playing():
		return r.startPlayback(leaderStatus, f)
	case leaderStatus.Paused():
		return f.Pause()
	default:
		return f.Stop()
	}
}

// startPlayback seeks a follower to the leader's position and starts
// it, measuring the play latency afterwards. A follower already
// playing the right track close to the right position is left alone.
func (r *Replicator) startPlayback(leaderStatus *mpd.Status, f *Follower) error {
	followerStatus, err := f.Status()
	if err != nil {
		return err
	}
	if followerStatus.Playing() &&
		followerStatus.Song == leaderStatus.Song &&
		leaderStatus.HasElapsed() && followerStatus.HasElapsed() &&
		math.Abs(leaderStatus.Elapsed-followerStatus.Elapsed) < 1.0 {
		r.log.Debug().Str("host", f.Host()).Msg("already playing in sync")
		return nil
	}

	if !leaderStatus.HasSong() || !leaderStatus.HasElapsed() {
		return f.Play()
	}

	// Aim slightly ahead of the leader to cover the time the follower
	// takes to actually start producing audio.
	var adjust float64
	switch {
	case f.Latency != 0:
		adjust = f.Latency
	case f.InitialPlayTimes.Len() > 0:
		adjust = f.InitialPlayTimes.MovingAvg()
	default:
		adjust = f.Pings.MovingAvg()
	}

	target := leaderStatus.Elapsed + adjust
	if target < 0 {
		target = leaderStatus.Elapsed
	}
	if err := f.SeekPlay(leaderStatus.Song, target); err != nil {
		return err
	}
	r.log.Info().
		Str("host", f.Host()).
		Int("track", leaderStatus.Song).
		Float64("position", target).
		Msg("started playback")

	// Let it start, then record how far behind it came up.
	r.clk.Sleep(playSettle)
	playLatency, ok := compareElapsed(r.leader, r.leaderPings, f, r.log)
	if !ok {
		// Most likely the follower did not start playing at all.
		r.log.Error().Str("host", f.Host()).Msg("no play latency measured after play")
		f.Stop()
		return fmt.Errorf("follower %s did not start playing", f.Host())
	}
	f.InitialPlayTimes.Push(playLatency)
	r.log.Debug().
		Str("host", f.Host()).
		Float64("play_latency", playLatency).
		Float64("average", f.InitialPlayTimes.MovingAvg()).
		Msg("recorded play latency")
	return nil
}

// SyncOptions replicates the leader's playback modes. Reserved: the
// four mode booleans are carried in every status snapshot, but no
// deployment has needed them mirrored yet.
func (r *Replicator) SyncOptions(followers []*Follower) {
	r.log.Debug().Int("followers", len(followers)).Msg("options sync requested (not implemented)")
}

// withRetry runs one sync step, retrying across transient errors with
// a connection check between attempts.
func (r *Replicator) withRetry(f *Follower, op func() error) error {
	var err error
	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		if attempt > 0 && !f.CheckAlive() {
			continue
		}
		if err = op(); err == nil {
			return nil
		}
		r.log.Debug().Err(err).Str("host", f.Host()).Int("attempt", attempt+1).Msg("sync step failed")
	}
	return err
}

// queuesEqual compares queues by the track references the daemons
// resolve; tag overrides do not affect queue identity.
func queuesEqual(a, b []mpd.QueueEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].File != b[i].File {
			return false
		}
	}
	return true
}
