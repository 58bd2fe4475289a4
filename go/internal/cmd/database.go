package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mcdev12/quizslot/go/internal/backend/postgres"
	"github.com/mcdev12/quizslot/go/internal/dbconfig"
)

func setupDatabase(ctx context.Context, dbCfg dbconfig.Config, migrate bool) (*sql.DB, *postgres.Store, error) {
	database, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, err
	}

	store := postgres.NewStore(database)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return database, store, nil
}
