package syncer

import (
	"github.com/rs/zerolog"

	"mpdsync/internal/stats"
)

// followerStatusLatencySign controls how the duration of the
// follower's status call folds into a drift sample. Intuition says
// the follower's reported elapsed is stale by the read latency and the
// latency should be subtracted from the delta; observation of real
// daemons says the opposite. Kept as one constant so the convention
// stays easy to experiment with.
const followerStatusLatencySign = 1.0

// compareElapsed takes one drift sample for f against the leader:
// timed pings on both sessions feed the ping windows, then both
// statuses are read and the elapsed delta, compensated by the
// follower's status latency, is pushed onto the follower's per-track
// differences. A track change observed here resets the per-track
// state before the sample is interpreted.
//
// It returns the individual sample and whether one was taken; reads
// that fail or statuses without elapsed times yield no sample.
func compareElapsed(leader Session, leaderPings *stats.Window, f *Follower, log zerolog.Logger) (float64, bool) {
	if lp, err := leader.TimedPing(); err == nil && leaderPings != nil {
		leaderPings.Push(lp)
	}
	fp, err := f.TimedPing()
	if err != nil {
		log.Debug().Err(err).Str("host", f.Host()).Msg("follower ping failed, no sample")
		return 0, false
	}
	f.Pings.Push(fp)

	leaderStatus, _, err := leader.TimedStatus()
	if err != nil || leaderStatus == nil {
		return 0, false
	}

	followerStatus, statusLatency, err := f.TimedStatus()
	if err != nil || followerStatus == nil {
		return 0, false
	}

	if followerStatus.Song != f.LastTrack() {
		file, _ := f.CurrentTrack()
		log.Debug().
			Str("host", f.Host()).
			Int("from", f.LastTrack()).
			Int("to", followerStatus.Song).
			Msg("track changed, resetting per-track state")
		f.TrackChanged(followerStatus.Song, file)
	}

	if !leaderStatus.HasElapsed() || !followerStatus.HasElapsed() {
		return 0, false
	}

	d := leaderStatus.Elapsed - followerStatus.Elapsed + followerStatusLatencySign*statusLatency
	f.CurrentTrackDiffs.Push(d)

	log.Trace().
		Str("host", f.Host()).
		Float64("leader_elapsed", leaderStatus.Elapsed).
		Float64("follower_elapsed", followerStatus.Elapsed).
		Float64("status_latency", statusLatency).
		Float64("difference", d).
		Msg("drift sample")

	return d, true
}
