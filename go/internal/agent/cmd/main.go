// The quiz agent runs next to one user. It keeps the round cache, joins
// rounds at the right moment and delivers answers, and serves a local API
// for the quiz UI.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mcdev12/quizslot/go/internal/agent"
	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/config"
	"github.com/mcdev12/quizslot/go/internal/rounds"
)

func main() {
	var configPath, listen, userID, backendURL string
	flags := pflag.NewFlagSet("quizagent", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&listen, "listen", "", "listen address (overrides agent.listen_addr)")
	flags.StringVar(&userID, "user", "", "user id (overrides agent.user_id)")
	flags.StringVar(&backendURL, "backend", "", "round service URL (overrides backend.url)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if listen != "" {
		cfg.Agent.ListenAddr = listen
	}
	if userID != "" {
		cfg.Agent.UserID = userID
	}
	if backendURL != "" {
		cfg.Backend.URL = backendURL
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	client := backend.NewConnectClient(backend.NewHTTPClient(cfg.Backend.Timeout), cfg.Backend.URL)

	hubCfg := agent.DefaultHubConfig()
	hubCfg.CheckOrigin = allowOrigins(cfg.Agent.AllowedOrigins)
	hub := agent.NewHub(hubCfg)

	a := agent.New(client, clockwork.NewRealClock(), hub, agent.Options{
		UserID:          cfg.Agent.UserID,
		Categories:      cfg.Agent.Categories,
		PollInterval:    cfg.Agent.PollInterval,
		RefreshInterval: cfg.Agent.RefreshInterval,
		Queue:           cfg.RetryQueue(),
		DropRejected:    cfg.Queue.DropRejected,
	})
	if err := a.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start agent")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NATS.Enabled {
		feedCfg := rounds.DefaultFeedConfig()
		feedCfg.URL = cfg.NATS.URL
		feedCfg.StreamName = cfg.NATS.Stream
		feedCfg.SubjectFilter = cfg.NATS.SubjectPrefix + ".>"
		feed, err := rounds.NewChangeFeed(ctx, a.Cache(), feedCfg)
		if err != nil {
			// Polling alone keeps the cache fresh enough.
			log.Warn().Err(err).Msg("round change feed unavailable, relying on polling")
		} else {
			defer feed.Close()
			go func() {
				if err := feed.Start(ctx); err != nil {
					log.Error().Err(err).Msg("round change feed stopped")
				}
			}()
		}
	}

	server := &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           agent.NewServer(a, hub).Handler(cfg.Agent.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("backend", cfg.Backend.URL).
			Msg("starting quiz agent API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down quiz agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	a.Close()
}

func allowOrigins(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
