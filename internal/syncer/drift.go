package syncer

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"mpdsync/internal/stats"
)

const (
	// minSeekSamples is how many drift samples a track needs before
	// any correction is considered.
	minSeekSamples = 3

	// settledSamples and settledTolerance decide when a track is good
	// enough: at least this many samples averaging below the
	// tolerance, and the controller stops touching the track.
	settledSamples   = 10
	settledTolerance = 0.030

	// pingToleranceFactor scales the ping average into a tolerance
	// when too few drift samples exist; the result is clamped to
	// [minTolerance, fallbackTolerance].
	pingToleranceFactor = 30.0
	minTolerance        = 0.030
	fallbackTolerance   = 0.200

	// toleranceGrowth relaxes the tolerance per per-track adjustment
	// beyond the third: a track that refuses to converge gets a wider
	// target rather than endless corrections.
	toleranceGrowth          = 0.025
	toleranceGrowthThreshold = 3

	// maxCorrection caps a plausible latency correction; anything
	// larger usually means the player cannot seek precisely on this
	// material and the ping average is used instead.
	maxCorrection = 0.300

	// alternateThreshold is the per-track adjustment count past which
	// the correction source alternates between pings and differences.
	alternateThreshold = 5

	// historyThreshold is the lifetime adjustment count past which a
	// track's first correction draws on the adjustment history.
	historyThreshold = 5
	historyWeight    = 0.75

	// settleDelay paces the loop: after a reseek (let the correction
	// settle) and while the leader is not playing.
	settleDelay = 2 * time.Second

	// samplePace slows the cadence as drift samples accumulate.
	samplePace = 400 * time.Millisecond
)

// correctionSource tags where a correction value came from; the sign
// convention and the difference-window reset depend on it.
type correctionSource int

const (
	sourceStatic correctionSource = iota
	sourcePings
	sourceHistory
	sourceDiffs
)

func (s correctionSource) String() string {
	switch s {
	case sourceStatic:
		return "static"
	case sourcePings:
		return "pings"
	case sourceHistory:
		return "history"
	default:
		return "differences"
	}
}

// Controller is the latency-compensated drift controller. It owns a
// leader session separate from the replicator's, measures leader vs.
// follower elapsed-time drift, and applies seek corrections when the
// drift outgrows an adaptive tolerance.
type Controller struct {
	leader      Session
	followers   []*Follower
	leaderPings *stats.Window
	clk         clock.Clock
	log         zerolog.Logger
}

// NewController creates a controller over its own leader session.
func NewController(leader Session, followers []*Follower, clk clock.Clock, log zerolog.Logger) *Controller {
	return &Controller{
		leader:      leader,
		followers:   followers,
		leaderPings: stats.NewWindow("controller leader pings", 10),
		clk:         clk,
		log:         log.With().Str("component", "drift").Logger(),
	}
}

// Run loops until the context is cancelled. Errors never escape one
// iteration; the next tick retries naturally.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Debug().Msg("drift controller started")
	for ctx.Err() == nil {
		c.sleep(ctx, c.iterate())
	}
	c.log.Debug().Msg("drift controller stopped")
	return nil
}

// iterate runs one pass over all followers and returns how long to
// sleep before the next one.
func (c *Controller) iterate() time.Duration {
	leaderStatus, err := c.leader.Status()
	if err != nil {
		c.leader.CheckAlive()
		return settleDelay
	}
	if !leaderStatus.Playing() {
		return settleDelay
	}

	reseeked := false
	maxSamples := 0
	for _, f := range c.followers {
		if !f.TryLock() {
			c.log.Debug().Str("host", f.Host()).Msg("follower busy, skipping this pass")
			continue
		}
		if c.step(f) {
			reseeked = true
		}
		if n := f.CurrentTrackDiffs.Len(); n > maxSamples {
			maxSamples = n
		}
		f.Unlock()
	}

	if reseeked {
		return settleDelay
	}
	if paced := time.Duration(maxSamples) * samplePace; paced > settleDelay {
		return paced
	}
	return settleDelay
}

// step measures one drift sample for a follower and corrects when
// warranted; the caller holds the follower's lock. It reports whether
// a reseek was applied.
func (c *Controller) step(f *Follower) bool {
	sample, ok := compareElapsed(c.leader, c.leaderPings, f, c.log)
	if !ok {
		return false
	}

	diffs := f.CurrentTrackDiffs
	estimate := math.Abs(diffs.MovingAvg())

	if f.ShouldSeek() && diffs.Len() >= settledSamples && estimate < settledTolerance {
		c.log.Info().
			Str("host", f.Host()).
			Float64("drift", estimate).
			Msg("drift settled below tolerance, leaving track alone")
		f.SettleTrack()
		return false
	}
	if !f.ShouldSeek() || diffs.Len() < minSeekSamples {
		return false
	}

	m := c.tolerance(f)
	c.log.Trace().
		Str("host", f.Host()).
		Float64("tolerance", m).
		Float64("estimate", estimate).
		Msg("tolerance computed")

	// The newest sample must also exceed the tolerance so that one
	// old outlier skewing the average cannot trigger a correction.
	if estimate <= m || math.Abs(sample) <= m {
		return false
	}
	return c.reseek(f)
}

// tolerance computes the adaptive reseek threshold M for a follower.
func (c *Controller) tolerance(f *Follower) float64 {
	diffs := f.CurrentTrackDiffs
	var m float64
	switch n := diffs.Len(); {
	case n >= 10:
		m = diffs.MovingRange()/4 + math.Abs(diffs.MovingAvg())/2
		m = applyFloor(m, diffs)
	case n >= 5:
		m = diffs.MovingRange() / 2
		m = applyFloor(m, diffs)
	case c.leaderPings.Len() > 0 && f.Pings.Len() > 0:
		m = pingToleranceFactor * math.Max(c.leaderPings.MovingAvg(), f.Pings.MovingAvg())
		if m < minTolerance {
			m = minTolerance
		}
		if m > fallbackTolerance {
			m = fallbackTolerance
		}
	default:
		m = fallbackTolerance
	}

	// Repeated failure to converge on this track relaxes the
	// tolerance so the controller gives up instead of oscillating.
	if n := f.CurrentTrackAdjustments.Len(); n > toleranceGrowthThreshold {
		m += toleranceGrowth * float64(n-toleranceGrowthThreshold)
	}
	return m
}

// applyFloor bounds a range-derived tolerance below so an occasional
// tight cluster of samples cannot cause hair-trigger corrections.
func applyFloor(m float64, diffs *stats.Window) float64 {
	floor := diffs.MaxAbs() / 2
	if floor < minTolerance {
		floor = minTolerance
	}
	if m < floor {
		return floor
	}
	return m
}

// correction chooses the seek correction for a follower and reports
// where the value came from.
func (c *Controller) correction(f *Follower) (float64, correctionSource) {
	if f.Latency != 0 {
		return f.Latency, sourceStatic
	}

	var a float64
	var src correctionSource
	switch n := f.CurrentTrackAdjustments.Len(); {
	case n == 0:
		if f.Adjustments.Len() > historyThreshold {
			a, src = historyWeight*f.Adjustments.MovingAvg(), sourceHistory
		} else {
			a, src = f.Pings.MovingAvg(), sourcePings
		}
	case n > alternateThreshold:
		// Alternating mode: the track is not converging, so take
		// turns between the two plausible corrections.
		if n%2 == 1 {
			a, src = f.Pings.MovingAvg(), sourcePings
		} else {
			a, src = f.CurrentTrackDiffs.MovingAvg(), sourceDiffs
		}
	default:
		a, src = f.CurrentTrackDiffs.MovingAvg(), sourceDiffs
	}

	if math.Abs(a) > maxCorrection {
		a, src = f.Pings.MovingAvg(), sourcePings
	}

	// Drift is corrected by moving against it, so difference-derived
	// corrections flip sign; latency-derived ones apply as measured.
	if src == sourceDiffs {
		a = -a
	}
	return a, src
}

// reseek applies one correction to a follower. It reports whether a
// seek was actually issued.
func (c *Controller) reseek(f *Follower) bool {
	a, src := c.correction(f)
	if src == sourcePings {
		// The drift samples describe the pre-correction position and
		// would poison the next estimates.
		f.CurrentTrackDiffs.Clear()
	}

	leaderStatus, err := c.leader.Status()
	if err != nil || !leaderStatus.HasSong() || !leaderStatus.HasElapsed() {
		return false
	}

	position := leaderStatus.Elapsed - a
	if position < 0 {
		c.log.Debug().
			Str("host", f.Host()).
			Float64("position", position).
			Msg("correction target negative, skipping")
		return false
	}

	if err := f.Seek(leaderStatus.Song, position); err != nil {
		c.log.Error().Err(err).Str("host", f.Host()).Msg("reseek failed")
		f.SeekFailed()
		f.CheckAlive()
		return false
	}

	f.RecordAdjustment(a)
	c.log.Info().
		Str("host", f.Host()).
		Int("track", leaderStatus.Song).
		Float64("position", position).
		Float64("correction", a).
		Str("source", src.String()).
		Msg("reseeked follower")
	return true
}

// sleep waits for the duration or the context, whichever ends first.
func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	t := c.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
