package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/backend/events"
	"github.com/mcdev12/quizslot/go/internal/backend/postgres"
	"github.com/mcdev12/quizslot/go/internal/backend/rediscache"
	"github.com/mcdev12/quizslot/go/internal/config"
	"github.com/mcdev12/quizslot/go/internal/dbconfig"
)

type Services struct {
	Rounds   backend.Backend
	Listener *postgres.ChangeListener

	db        *sql.DB
	rdb       *redis.Client
	publisher *events.JetStreamPublisher
}

func (s *Services) Close() {
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// setupServices builds the backend chain:
// store → (redis cache) → (change events) → connect handler.
func setupServices(ctx context.Context, cfg *config.Config, opts options) (*Services, error) {
	clock := clockwork.NewRealClock()
	services := &Services{}

	var store backend.Backend
	var pgStore *postgres.Store
	switch cfg.Server.Store {
	case "memory":
		mem := backend.NewMemoryBackend(clock)
		if opts.snapshot != "" {
			snapshot, err := loadSnapshot(opts.snapshot)
			if err != nil {
				return nil, err
			}
			for _, r := range snapshot {
				mem.PutRound(r)
			}
			log.Info().Int("rounds", len(snapshot)).Msg("loaded round snapshot")
		}
		store = mem
	default:
		dbCfg := dbconfig.NewConfigFromEnv()
		db, s, err := setupDatabase(ctx, dbCfg, opts.migrate)
		if err != nil {
			return nil, err
		}
		services.db = db
		if opts.snapshot != "" {
			snapshot, err := loadSnapshot(opts.snapshot)
			if err != nil {
				services.Close()
				return nil, err
			}
			if err := s.UpsertRounds(ctx, snapshot); err != nil {
				services.Close()
				return nil, err
			}
			log.Info().Int("rounds", len(snapshot)).Msg("upserted round snapshot")
		}
		pgStore = s
		store = s
	}

	if cfg.Redis.Enabled {
		rdb, err := rediscache.Connect(ctx, rediscache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			services.Close()
			return nil, err
		}
		services.rdb = rdb
		store = rediscache.New(store, rdb, rediscache.Config{
			RoundsTTL: cfg.Redis.RoundsTTL,
			LockTTL:   cfg.Redis.LockTTL,
		})
	}

	if cfg.NATS.Enabled {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.StreamName = cfg.NATS.Stream
		jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		publisher, err := events.NewJetStreamPublisher(ctx, jsCfg)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		services.publisher = publisher

		if pgStore != nil {
			// The store's triggers report every change, including ones made
			// by other writers.
			lcfg := postgres.DefaultListenerConfig()
			lcfg.DatabaseURL = dbconfig.NewConfigFromEnv().DSN()
			listener, err := postgres.NewChangeListener(events.NewRelay(publisher, pgStore, clock), lcfg)
			if err != nil {
				services.Close()
				return nil, err
			}
			services.Listener = listener
		} else {
			store = events.NewNotifying(store, publisher, clock)
		}
	}

	services.Rounds = store
	return services, nil
}
