package syncer

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpdsync/pkg/mpd"
)

func newTestController(leader Session, followers ...*Follower) *Controller {
	return NewController(leader, followers, clock.New(), zerolog.Nop())
}

func playingLeader(elapsed float64) *fakeDaemon {
	leader := newFakeDaemon("leader")
	leader.state = mpd.StatePlay
	leader.song = 0
	leader.elapsed = elapsed
	leader.queue = []mpd.QueueEntry{{File: "a.mp3"}, {File: "b.mp3"}}
	leader.queueVersion = "7"
	return leader
}

// A follower with a systematic 160 ms playback lag converges: the
// first correction is ping-based, the second one difference-based and
// close to the observed lag, after which drift hovers near zero and
// the controller settles the track.
func TestControllerConvergesOnLaggingFollower(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	daemon.state = mpd.StatePlay
	daemon.song = 0
	daemon.elapsed = 100
	daemon.lag = 0.160
	daemon.queue = []mpd.QueueEntry{{File: "a.mp3"}, {File: "b.mp3"}}
	f := NewFollower(daemon)

	c := newTestController(leader, f)

	var seeks []string
	for i := 0; i < 30 && f.ShouldSeek(); i++ {
		c.step(f)
		seeks = seeks[:0]
		for _, call := range daemon.calls {
			if strings.HasPrefix(call, "seek") {
				seeks = append(seeks, call)
			}
		}
	}

	require.False(t, f.ShouldSeek(), "controller should settle the track")
	require.Len(t, seeks, 2)

	// First correction: no history yet, so the ping average applies.
	assert.Equal(t, "seek 0 99.998", seeks[0])
	// Second correction: difference-based, canceling the lag.
	assert.Equal(t, "seek 0 100.162", seeks[1])

	assert.InDelta(t, -0.162, f.Adjustments.Latest(), 0.001)
	assert.Equal(t, 2, f.Adjustments.Len())

	// Residual drift is within the settle tolerance.
	assert.Less(t, math.Abs(f.CurrentTrackDiffs.MovingAvg()), settledTolerance)

	// Adjustments bucketed by the track's filetype.
	require.Contains(t, f.FiletypeAdjustments, "mp3")
	assert.Equal(t, 2, f.FiletypeAdjustments["mp3"].Len())
}

func TestControllerSkipsLockedFollower(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	f := NewFollower(daemon)
	c := newTestController(leader, f)

	f.Lock()
	defer f.Unlock()
	assert.Equal(t, settleDelay, c.iterate())
	assert.Empty(t, daemon.calls, "a locked follower must not be touched")
}

func TestControllerIdlesWhileLeaderNotPlaying(t *testing.T) {
	leader := newFakeDaemon("leader")
	leader.state = mpd.StatePause
	daemon := newFakeDaemon("f1")
	f := NewFollower(daemon)
	c := newTestController(leader, f)

	assert.Equal(t, settleDelay, c.iterate())
	assert.Empty(t, daemon.calls)
}

func TestControllerPacesCadenceBySampleCount(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	daemon.state = mpd.StatePlay
	daemon.song = 0
	daemon.elapsed = 100
	f := NewFollower(daemon)
	c := newTestController(leader, f)

	for i := 0; i < 12; i++ {
		c.step(f)
	}
	require.Equal(t, 12, f.CurrentTrackDiffs.Len())
	assert.Equal(t, 13*samplePace, c.iterate()) // one more sample, then paced
}

func TestDriftSampleAddsFollowerStatusLatency(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	daemon.state = mpd.StatePlay
	daemon.song = 0
	daemon.elapsed = 99.5
	daemon.statusLatency = 0.040
	f := NewFollower(daemon)
	c := newTestController(leader, f)

	sample, ok := compareElapsed(c.leader, c.leaderPings, f, zerolog.Nop())
	require.True(t, ok)
	assert.InDelta(t, 0.540, sample, 1e-9)
	assert.Equal(t, 1, f.CurrentTrackDiffs.Len())
	assert.Equal(t, 1, f.Pings.Len())
	assert.Equal(t, 1, c.leaderPings.Len())
}

func TestDriftSampleSkippedWithoutElapsed(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	daemon.state = mpd.StateStop // no elapsed reported
	f := NewFollower(daemon)
	c := newTestController(leader, f)

	_, ok := compareElapsed(c.leader, c.leaderPings, f, zerolog.Nop())
	assert.False(t, ok)
	assert.Equal(t, 0, f.CurrentTrackDiffs.Len())
}

func TestDriftSampleSkippedOnDeadFollower(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	daemon.dead = true
	f := NewFollower(daemon)
	c := newTestController(leader, f)

	assert.False(t, c.step(f))
	assert.Equal(t, 0, f.CurrentTrackDiffs.Len())
}

func TestToleranceTable(t *testing.T) {
	leader := playingLeader(100)

	tests := []struct {
		name    string
		samples []float64
		pings   bool
		want    float64
	}{
		{
			// range/4 + |avg|/2, above the floor
			name:    "ten samples wide range",
			samples: []float64{0.4, -0.4, 0.4, -0.4, 0.4, -0.4, 0.4, -0.4, 0.4, -0.4},
			want:    0.8/4 + 0.0/2, // floor max(0.030, 0.2) = 0.2 == value
		},
		{
			// floored at half the max magnitude
			name:    "ten tight samples floor",
			samples: []float64{0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2},
			want:    0.1, // range/4+avg/2 = 0.1, floor = 0.1
		},
		{
			name:    "five samples half range",
			samples: []float64{0.18, 0.15, 0.17, 0.16, 0.155},
			want:    0.09, // range/2=0.015 floored to max_abs/2
		},
		{
			name:    "few samples ping based",
			samples: []float64{0.5, 0.5},
			pings:   true,
			want:    0.06, // 30 * 0.002
		},
		{
			name:    "no samples no pings",
			samples: nil,
			want:    fallbackTolerance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			daemon := newFakeDaemon("f1")
			f := NewFollower(daemon)
			for i := len(tt.samples) - 1; i >= 0; i-- {
				f.CurrentTrackDiffs.Push(tt.samples[i])
			}
			c := newTestController(leader, f)
			if tt.pings {
				f.Pings.Push(0.002)
				c.leaderPings.Push(0.001)
			}
			assert.InDelta(t, tt.want, c.tolerance(f), 1e-9)
		})
	}
}

// Tolerance is non-decreasing in the per-track adjustment count for a
// fixed drift history, so a track that refuses to converge eventually
// stops triggering corrections.
func TestToleranceGrowsWithAdjustments(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	f := NewFollower(daemon)
	for i := 0; i < 10; i++ {
		f.CurrentTrackDiffs.Push(0.1)
	}
	c := newTestController(leader, f)

	base := c.tolerance(f)
	prev := base
	for i := 0; i < 8; i++ {
		f.CurrentTrackAdjustments.Push(0.05)
		m := c.tolerance(f)
		assert.GreaterOrEqual(t, m, prev)
		prev = m
	}
	assert.InDelta(t, base+5*toleranceGrowth, prev, 1e-9)
}

func TestCorrectionPolicy(t *testing.T) {
	leader := playingLeader(100)

	t.Run("static latency wins", func(t *testing.T) {
		daemon := newFakeDaemon("f1")
		daemon.endpoint.Latency = 0.120
		f := NewFollower(daemon)
		c := newTestController(leader, f)
		a, src := c.correction(f)
		assert.Equal(t, 0.120, a)
		assert.Equal(t, sourceStatic, src)
	})

	t.Run("first correction uses pings", func(t *testing.T) {
		daemon := newFakeDaemon("f1")
		f := NewFollower(daemon)
		f.Pings.Push(0.004)
		c := newTestController(leader, f)
		a, src := c.correction(f)
		assert.Equal(t, 0.004, a)
		assert.Equal(t, sourcePings, src)
	})

	t.Run("first correction uses history after five lifetime adjustments", func(t *testing.T) {
		daemon := newFakeDaemon("f1")
		f := NewFollower(daemon)
		for i := 0; i < 6; i++ {
			f.Adjustments.Push(0.1)
		}
		c := newTestController(leader, f)
		a, src := c.correction(f)
		assert.InDelta(t, 0.075, a, 1e-9)
		assert.Equal(t, sourceHistory, src)
	})

	t.Run("later corrections negate the difference average", func(t *testing.T) {
		daemon := newFakeDaemon("f1")
		f := NewFollower(daemon)
		f.CurrentTrackAdjustments.Push(0.01)
		for i := 0; i < 4; i++ {
			f.CurrentTrackDiffs.Push(0.16)
		}
		c := newTestController(leader, f)
		a, src := c.correction(f)
		assert.InDelta(t, -0.16, a, 1e-9)
		assert.Equal(t, sourceDiffs, src)
	})

	t.Run("alternating mode", func(t *testing.T) {
		daemon := newFakeDaemon("f1")
		f := NewFollower(daemon)
		f.Pings.Push(0.004)
		for i := 0; i < 4; i++ {
			f.CurrentTrackDiffs.Push(0.1)
		}
		for i := 0; i < 7; i++ {
			f.CurrentTrackAdjustments.Push(0.02)
		}
		c := newTestController(leader, f)
		a, src := c.correction(f) // odd count: ping
		assert.Equal(t, sourcePings, src)
		assert.Equal(t, 0.004, a)

		f.CurrentTrackAdjustments.Push(0.02) // even count: differences
		a, src = c.correction(f)
		assert.Equal(t, sourceDiffs, src)
		assert.InDelta(t, -0.1, a, 1e-9)
	})

	t.Run("implausible corrections fall back to pings", func(t *testing.T) {
		daemon := newFakeDaemon("f1")
		f := NewFollower(daemon)
		f.Pings.Push(0.004)
		f.CurrentTrackAdjustments.Push(0.01)
		for i := 0; i < 4; i++ {
			f.CurrentTrackDiffs.Push(0.45)
		}
		c := newTestController(leader, f)
		a, src := c.correction(f)
		assert.Equal(t, sourcePings, src)
		assert.Equal(t, 0.004, a)
	})
}

func TestReseekSkipsNegativeTarget(t *testing.T) {
	leader := playingLeader(0.05)
	daemon := newFakeDaemon("f1")
	f := NewFollower(daemon)
	f.CurrentTrackAdjustments.Push(0.01)
	for i := 0; i < 3; i++ {
		f.CurrentTrackDiffs.Push(-0.2) // correction +0.2 > leader elapsed
	}
	c := newTestController(leader, f)

	assert.False(t, c.reseek(f))
	assert.Empty(t, daemon.calls)
	assert.Equal(t, 1, f.CurrentTrackAdjustments.Len(), "nothing recorded for a skipped seek")
}

func TestReseekFailureForcesResync(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	daemon.seekErr = errors.New("seek timeout")
	f := NewFollower(daemon)
	f.MarkSynced("7")
	f.Pings.Push(0.002)
	f.CurrentTrackAdjustments.Push(0.05)
	for i := 0; i < 3; i++ {
		f.CurrentTrackDiffs.Push(0.1)
	}
	c := newTestController(leader, f)

	require.False(t, c.reseek(f))
	assert.False(t, f.Synced(), "failed seek must force a full re-replication")
	assert.Equal(t, "", f.QueueVersion())
	assert.Equal(t, 0, f.CurrentTrackAdjustments.Len())
	assert.Greater(t, daemon.checkedAlive, 0)
}

func TestReseekSuccessRecordsAndClears(t *testing.T) {
	leader := playingLeader(100)
	daemon := newFakeDaemon("f1")
	daemon.currentFile = "album/track.flac"
	f := NewFollower(daemon)
	f.TrackChanged(0, "album/track.flac")
	f.CurrentTrackAdjustments.Push(0.01)
	for i := 0; i < 3; i++ {
		f.CurrentTrackDiffs.Push(0.1)
	}
	c := newTestController(leader, f)

	require.True(t, c.reseek(f))
	assert.Equal(t, 0, f.CurrentTrackDiffs.Len(), "stale samples must not survive a jump")
	assert.InDelta(t, -0.1, f.Adjustments.Latest(), 1e-9)
	assert.Equal(t, 2, f.CurrentTrackAdjustments.Len())
	require.Contains(t, f.FiletypeAdjustments, "flac")
}
