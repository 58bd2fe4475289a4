package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/dbconfig"
	"github.com/mcdev12/quizslot/go/internal/models"
	"github.com/mcdev12/quizslot/go/internal/sqlutil"
)

//go:embed schema.sql
var Schema string

const fetchRoundsQuery = `
SELECT r.id, r.category, r.title, r.start_time, r.end_time, r.status, r.settings,
       COUNT(p.joined_at) AS joined,
       COUNT(p.pre_joined_at) AS pre_joined
FROM quiz_rounds r
LEFT JOIN round_participants p ON p.round_id = r.id
WHERE r.category = $1
GROUP BY r.id
ORDER BY r.start_time NULLS LAST, r.id`

const upsertRoundQuery = `
INSERT INTO quiz_rounds (id, category, title, start_time, end_time, status, settings, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE SET
    category   = EXCLUDED.category,
    title      = EXCLUDED.title,
    start_time = EXCLUDED.start_time,
    end_time   = EXCLUDED.end_time,
    status     = EXCLUDED.status,
    settings   = EXCLUDED.settings,
    updated_at = now()`

// Store is the authoritative round store on Postgres. Round rules live in
// SQL functions; their exception messages are classified here.
type Store struct {
	db    *sql.DB
	grace time.Duration
}

// Open connects with lib/pq and checks the connection.
func Open(ctx context.Context, cfg dbconfig.Config) (*sql.DB, error) {
	database, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	database.SetMaxOpenConns(cfg.MaxOpenConns)
	database.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("database", cfg.String()).Msg("connected to database")
	return database, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, grace: backend.JoinGrace}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) FetchRounds(ctx context.Context, category string) ([]models.Round, error) {
	rows, err := s.db.QueryContext(ctx, fetchRoundsQuery, category)
	if err != nil {
		return nil, wrap(backend.OpFetchRounds, "", err)
	}
	defer rows.Close()

	var out []models.Round
	for rows.Next() {
		var (
			r          models.Round
			title      sql.NullString
			start, end sql.NullTime
			status     string
			settings   pqtype.NullRawMessage
		)
		if err := rows.Scan(&r.ID, &r.Category, &title, &start, &end, &status, &settings,
			&r.ParticipantsJoined, &r.ParticipantsPreJoined); err != nil {
			return nil, wrap(backend.OpFetchRounds, "", fmt.Errorf("scan round: %w", err))
		}
		r.Title = sqlutil.FromSqlString(title, "")
		r.StartTime = sqlutil.FromNullTime(start)
		r.EndTime = sqlutil.FromNullTime(end)
		r.Status = models.RoundStatus(status)
		r.Settings = sqlutil.FromNullRawMessage(settings)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(backend.OpFetchRounds, "", err)
	}
	return out, nil
}

func (s *Store) PreJoin(ctx context.Context, roundID string) error {
	_, err := s.db.ExecContext(ctx, `SELECT pre_join_round($1, $2)`, roundID, userOf(ctx))
	return wrap(backend.OpPreJoin, roundID, err)
}

func (s *Store) Join(ctx context.Context, roundID string) error {
	grace := fmt.Sprintf("%d milliseconds", s.grace.Milliseconds())
	_, err := s.db.ExecContext(ctx, `SELECT join_round($1, $2, $3::interval)`, roundID, userOf(ctx), grace)
	return wrap(backend.OpJoin, roundID, err)
}

func (s *Store) SubmitAnswer(ctx context.Context, answer models.Answer) error {
	_, err := s.db.ExecContext(ctx, `SELECT submit_answer($1, $2, $3, $4)`,
		answer.RoundID, answer.QuestionID, userOf(ctx), answer.OptionID)
	return wrap(backend.OpSubmitAnswer, answer.RoundID, err)
}

func (s *Store) ComputeResultsIfDue(ctx context.Context, roundID string) error {
	var finalized bool
	err := s.db.QueryRowContext(ctx, `SELECT compute_results_if_due($1)`, roundID).Scan(&finalized)
	if err != nil {
		return wrap(backend.OpComputeResultsIfDue, roundID, err)
	}
	if finalized {
		log.Info().Str("round_id", roundID).Msg("computed round results")
	}
	return nil
}

// UpsertRounds writes rounds in one transaction.
func (s *Store) UpsertRounds(ctx context.Context, rounds []models.Round) error {
	return sqlutil.InTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, r := range rounds {
			status := r.Status
			if status == "" {
				status = models.RoundStatusScheduled
			}
			_, err := tx.ExecContext(ctx, upsertRoundQuery,
				r.ID, r.Category, r.Title,
				sqlutil.ToNullTime(r.StartTime), sqlutil.ToNullTime(r.EndTime),
				string(status), sqlutil.ToNullRawMessage(r.Settings))
			if err != nil {
				return fmt.Errorf("failed to upsert round %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// Category returns the category of a round.
func (s *Store) Category(ctx context.Context, roundID string) (string, error) {
	var category string
	err := s.db.QueryRowContext(ctx, `SELECT category FROM quiz_rounds WHERE id = $1`, roundID).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return "", backend.NewError(backend.KindNotFound, "Category", roundID, errors.New("round not found"))
	}
	if err != nil {
		return "", fmt.Errorf("failed to get round category: %w", err)
	}
	return category, nil
}

func userOf(ctx context.Context) string {
	if userID, ok := backend.UserFromContext(ctx); ok {
		return userID
	}
	return "anonymous"
}

// wrap turns a driver error into a typed backend error. Exceptions raised
// by the round functions carry their reason in the message.
func wrap(op, roundID string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "P0001" {
		return backend.NewError(backend.ClassifyReason(pqErr.Message), op, roundID, errors.New(pqErr.Message))
	}
	return backend.NewError(backend.KindOther, op, roundID, err)
}
