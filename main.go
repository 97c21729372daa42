package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"mpdsync/internal/config"
	"mpdsync/internal/syncer"
	"mpdsync/pkg/mpd"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		masterFlag    = flag.StringP("master", "m", "", "leader server, HOST[:PORT]")
		slavesFlag    = flag.StringArrayP("slave", "s", nil, "follower server, HOST[:PORT][/LATENCY]; repeatable")
		passwordFlag  = flag.StringP("password", "p", "", "password to connect to the servers with")
		latencyFlag   = flag.BoolP("latency-adjust", "l", false, "keep followers' playing position in sync with the leader")
		verbosityFlag = flag.CountP("verbose", "v", "be verbose, up to -vvv")
		configFlag    = flag.String("config", "", "path to config file")
	)
	flag.Parse()

	log := newLogger(*verbosityFlag)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Error().Err(err).Msg("cannot load config")
		return 1
	}
	if *masterFlag != "" {
		cfg.Master = *masterFlag
	}
	if len(*slavesFlag) > 0 {
		cfg.Slaves = *slavesFlag
	}
	if *passwordFlag != "" {
		cfg.Password = *passwordFlag
	}
	if *latencyFlag {
		cfg.LatencyAdjust = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		return 2
	}

	leader, err := mpd.ParseEndpoint(cfg.Master)
	if err != nil {
		log.Error().Err(err).Msg("invalid leader endpoint")
		return 2
	}
	if leader.Latency != 0 {
		log.Warn().Msg("a latency offset on the leader endpoint has no effect")
	}
	followers := make([]mpd.Endpoint, 0, len(cfg.Slaves))
	for _, s := range cfg.Slaves {
		ep, err := mpd.ParseEndpoint(s)
		if err != nil {
			log.Error().Err(err).Msg("invalid follower endpoint")
			return 2
		}
		followers = append(followers, ep)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	supervisor := syncer.NewSupervisor(leader, followers, cfg.Password, cfg.LatencyAdjust, clock.New(), log)
	if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("sync failed")
		return 1
	}
	log.Info().Msg("stopped")
	return 0
}

// newLogger maps the -v count onto zerolog levels and picks a pretty
// writer when stderr is a terminal.
func newLogger(verbosity int) zerolog.Logger {
	var out zerolog.LevelWriter
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		out = zerolog.MultiLevelWriter(os.Stderr)
	}

	level := zerolog.WarnLevel
	switch {
	case verbosity >= 3:
		level = zerolog.TraceLevel
	case verbosity == 2:
		level = zerolog.DebugLevel
	case verbosity == 1:
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
