// Command stationd runs one station peer: the replicated graph store, the
// countdown, the task queue, the parameter simulation, and the operator
// roster, replicated over NATS or a websocket relay.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"swanstation/internal/config"
	"swanstation/internal/identity"
	"swanstation/internal/params"
	"swanstation/internal/presence"
	"swanstation/internal/station"
	"swanstation/internal/store"
	"swanstation/internal/task"
	"swanstation/internal/timer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var journal *store.Journal
	if cfg.JournalPath != "" {
		journal, err = store.OpenJournal(cfg.JournalPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.JournalPath).Msg("failed to open journal")
		}
		defer journal.Close()
	}

	transport, err := openTransport(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open sync transport")
	}
	if transport != nil {
		defer transport.Close()
	}

	s, err := store.New(store.Config{
		NodeID:    cfg.NodeID,
		Transport: transport,
		Journal:   journal,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build store")
	}

	ident := identity.NewLocal()
	if cfg.Alias != "" {
		if _, err := ident.Authenticate(cfg.Alias, cfg.Secret); err != nil {
			log.Fatal().Err(err).Str("alias", cfg.Alias).Msg("login failed")
		}
		log.Info().Str("alias", cfg.Alias).Msg("operator logged in")
	}

	clock := clockwork.NewRealClock()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	taskCfg := task.DefaultConfig()
	if cfg.ActiveCeiling > 0 {
		taskCfg.ActiveCeiling = cfg.ActiveCeiling
	}

	te := timer.New(s.Get("station/timer"), s.Get("station/stats"), ident, clock)
	ta := task.New(s.Get("station/tasks"), s.Get("station/taskHistory"), ident, clock, rng, taskCfg)
	pe := params.New(s.Get("station/parameters"), clock, rng)
	roster := presence.NewRoster(s.Get("station/operators"), ident, clock)

	c := station.New(s, te, ta, pe, roster, nil)
	log.Info().Str("node", s.NodeID()).Str("transport", cfg.Transport).Msg("station peer up")
	c.Run(ctx)
}

func openTransport(cfg config.Config) (store.Transport, error) {
	switch cfg.Transport {
	case config.TransportNATS:
		return store.NewNATSTransport(cfg.NATSURL, cfg.Subject)
	case config.TransportRelay:
		return store.NewRelayTransport(cfg.RelayURL)
	default:
		log.Warn().Msg("no sync transport configured, running standalone")
		return nil, nil
	}
}
