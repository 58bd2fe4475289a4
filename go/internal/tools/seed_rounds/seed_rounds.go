package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/mcdev12/quizslot/go/internal/backend/postgres"
	"github.com/mcdev12/quizslot/go/internal/dbconfig"
	"github.com/mcdev12/quizslot/go/internal/models"
	"github.com/mcdev12/quizslot/go/internal/rounds"
)

type options struct {
	file     string
	schema   bool
	generate int
	category string
	every    time.Duration
	length   time.Duration
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("seed_rounds", pflag.ContinueOnError)
	flags.StringVar(&opts.file, "file", "go/internal/assets/rounds.json", "JSON snapshot of rounds")
	flags.BoolVar(&opts.schema, "schema", true, "apply the round schema first")
	flags.IntVar(&opts.generate, "generate", 0, "generate this many slots instead of reading --file")
	flags.StringVar(&opts.category, "category", "daily", "category of generated slots")
	flags.DurationVar(&opts.every, "every", 10*time.Minute, "spacing of generated slots")
	flags.DurationVar(&opts.length, "length", 5*time.Minute, "length of generated slots")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	// 1) Load or generate the rounds
	var list []models.Round
	if opts.generate > 0 {
		list = generate(time.Now().UTC(), opts)
	} else {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &list); err != nil {
			fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
			os.Exit(1)
		}
	}

	// 2) Connect using shared dbconfig
	ctx := context.Background()
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if opts.schema {
		if _, err := pool.Exec(ctx, postgres.Schema); err != nil {
			fmt.Fprintf(os.Stderr, "apply schema: %v\n", err)
			os.Exit(1)
		}
	}

	// 3) Validate, upsert and count
	v := rounds.NewValidator()
	var (
		total    = len(list)
		upserted int
		invalid  int
		errs     int
	)
	for _, r := range list {
		if err := v.Validate(r); err != nil {
			fmt.Fprintf(os.Stderr, "skipping round %s: %v\n", r.ID, err)
			invalid++
			continue
		}
		status := r.Status
		if status == "" {
			status = models.RoundStatusScheduled
		}
		_, err := pool.Exec(ctx, `
            INSERT INTO quiz_rounds (id, category, title, start_time, end_time, status, settings)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            ON CONFLICT (id) DO UPDATE SET
              category = EXCLUDED.category,
              title = EXCLUDED.title,
              start_time = EXCLUDED.start_time,
              end_time = EXCLUDED.end_time,
              status = EXCLUDED.status,
              settings = EXCLUDED.settings,
              updated_at = now()
        `,
			r.ID, r.Category, r.Title, r.StartTime, r.EndTime, string(status), settingsArg(r.Settings),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error upserting round %s: %v\n", r.ID, err)
			errs++
			continue
		}
		upserted++
	}

	// 4) Print summary
	fmt.Printf(
		"Rounds seed complete: %d total, %d upserted, %d invalid, %d errors\n",
		total, upserted, invalid, errs,
	)
	if errs > 0 {
		os.Exit(1)
	}
}

// generate lays out back-to-back slots starting at the next multiple of
// opts.every after now.
func generate(now time.Time, opts options) []models.Round {
	first := now.Truncate(opts.every).Add(opts.every)
	out := make([]models.Round, 0, opts.generate)
	for i := 0; i < opts.generate; i++ {
		start := first.Add(time.Duration(i) * opts.every)
		end := start.Add(opts.length)
		out = append(out, models.Round{
			ID:        fmt.Sprintf("%s-%s", opts.category, start.Format("20060102T1504")),
			Category:  opts.category,
			Title:     fmt.Sprintf("%s %s", opts.category, start.Format("15:04")),
			StartTime: &start,
			EndTime:   &end,
			Status:    models.RoundStatusScheduled,
		})
	}
	return out
}

// settingsArg passes nil for empty settings so the column stays NULL.
func settingsArg(settings json.RawMessage) any {
	if len(settings) == 0 {
		return nil
	}
	return string(settings)
}
