package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mcdev12/quizslot/go/internal/config"
	"github.com/mcdev12/quizslot/go/internal/models"
)

type options struct {
	configPath string
	listen     string
	store      string
	snapshot   string
	migrate    bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("roundservice", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.listen, "listen", "", "listen address (overrides server.listen_addr)")
	flags.StringVar(&opts.store, "store", "", "round store: postgres or memory (overrides server.store)")
	flags.StringVar(&opts.snapshot, "snapshot", "", "JSON file of rounds to load at startup")
	flags.BoolVar(&opts.migrate, "migrate", true, "apply the Postgres schema at startup")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.listen != "" {
		cfg.Server.ListenAddr = opts.listen
	}
	if opts.store != "" {
		cfg.Server.Store = opts.store
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func loadSnapshot(path string) ([]models.Round, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var rounds []models.Round
	if err := json.Unmarshal(data, &rounds); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return rounds, nil
}
