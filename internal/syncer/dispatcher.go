package syncer

import (
	"context"
	"time"

	gompd "github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog"

	"mpdsync/pkg/mpd"
)

// watcherRetry paces reconnection attempts of the idle watcher.
const watcherRetry = time.Second

// Dispatcher waits on the leader's idle notifications and turns them
// into replicator calls. The idle wait runs on its own session (the
// watcher), permanently parked in the blocking wait, so the command
// sessions never see it.
type Dispatcher struct {
	endpoint  mpd.Endpoint
	password  string
	repl      *Replicator
	followers []*Follower
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher for the leader endpoint.
func NewDispatcher(endpoint mpd.Endpoint, password string, repl *Replicator, followers []*Follower, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		endpoint:  endpoint,
		password:  password,
		repl:      repl,
		followers: followers,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run blocks on leader change notifications until the context is
// cancelled, rebuilding the watcher when its connection drops.
func (d *Dispatcher) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		watcher, err := gompd.NewWatcher("tcp", d.endpoint.Addr(), d.password, "playlist", "player", "options")
		if err != nil {
			d.log.Warn().Err(err).Msg("cannot watch leader, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watcherRetry):
			}
			continue
		}
		d.watch(ctx, watcher)
		watcher.Close()
	}
	return nil
}

// watch drains one watcher until it errors or the context ends.
func (d *Dispatcher) watch(ctx context.Context, watcher *gompd.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Error:
			d.log.Warn().Err(err).Msg("watcher connection lost")
			return
		case subsystem := <-watcher.Event:
			d.dispatch(subsystem)
		}
	}
}

// dispatch maps one changed subsystem to the matching replication.
func (d *Dispatcher) dispatch(subsystem string) {
	d.log.Debug().Str("subsystem", subsystem).Msg("leader change notification")
	switch subsystem {
	case "playlist":
		d.repl.SyncQueues(d.followers)
	case "player":
		d.repl.SyncPlayers(d.followers)
	case "options":
		d.repl.SyncOptions(d.followers)
	}
}
