package syncer

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mpdsync/pkg/mpd"
)

// Supervisor wires the whole system: it owns the leader sessions and
// the follower states, performs the initial full sync, and runs the
// event dispatcher and (when enabled) the drift controller as parallel
// tasks. Two leader command sessions exist on purpose: the dispatcher
// side is coupled to the blocking idle wait and must never starve the
// controller's measurements.
type Supervisor struct {
	leaderEndpoint mpd.Endpoint
	followerSpecs  []mpd.Endpoint
	password       string
	latencyAdjust  bool
	clk            clock.Clock
	log            zerolog.Logger

	leader      *mpd.Conn
	driftLeader *mpd.Conn
	followers   []*Follower
}

// NewSupervisor configures a supervisor; Run does the connecting.
func NewSupervisor(leader mpd.Endpoint, followers []mpd.Endpoint, password string, latencyAdjust bool, clk clock.Clock, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		leaderEndpoint: leader,
		followerSpecs:  followers,
		password:       password,
		latencyAdjust:  latencyAdjust,
		clk:            clk,
		log:            log,
	}
}

// Run connects leader and followers, replicates everything once, and
// then services leader events (and drift, when enabled) until the
// context ends. It fails when the leader or every follower is
// unreachable.
func (s *Supervisor) Run(ctx context.Context) error {
	s.leader = mpd.NewConn(s.leaderEndpoint, s.password, s.log)
	if err := s.leader.Connect(); err != nil {
		return fmt.Errorf("connecting to leader: %w", err)
	}
	defer s.leader.Disconnect()
	s.log.Debug().Str("leader", s.leaderEndpoint.Addr()).Msg("connected to leader")

	for _, ep := range s.followerSpecs {
		conn := mpd.NewConn(ep, s.password, s.log)
		if err := conn.Connect(); err != nil {
			s.log.Error().Err(err).Str("follower", ep.Addr()).Msg("unable to connect to follower")
			continue
		}
		s.log.Debug().Str("follower", ep.Addr()).Msg("connected to follower")
		s.followers = append(s.followers, NewFollower(conn))
	}
	if len(s.followers) == 0 {
		return fmt.Errorf("could not connect to any follower")
	}
	defer func() {
		for _, f := range s.followers {
			f.Disconnect()
		}
	}()

	repl := NewReplicator(s.leader, s.clk, s.log)
	repl.SyncAll(s.followers)

	g, ctx := errgroup.WithContext(ctx)

	dispatcher := NewDispatcher(s.leaderEndpoint, s.password, repl, s.followers, s.log)
	g.Go(func() error { return dispatcher.Run(ctx) })

	if s.latencyAdjust {
		s.driftLeader = mpd.NewConn(s.leaderEndpoint, s.password, s.log)
		if err := s.driftLeader.Connect(); err != nil {
			return fmt.Errorf("connecting drift session to leader: %w", err)
		}
		defer s.driftLeader.Disconnect()

		controller := NewController(s.driftLeader, s.followers, s.clk, s.log)
		g.Go(func() error { return controller.Run(ctx) })
	}

	return g.Wait()
}

// Followers exposes the attached follower states, for diagnostics.
func (s *Supervisor) Followers() []*Follower { return s.followers }
