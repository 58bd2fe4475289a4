package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/config"
)

const snapshotJSON = `[
  {"id": "r1", "category": "daily", "title": "Morning", "start_time": "2026-06-01T09:00:00Z", "end_time": "2026-06-01T09:10:00Z"},
  {"id": "r2", "category": "daily"}
]`

func writeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rounds.json")
	if err := os.WriteFile(path, []byte(snapshotJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	opts, err := parseFlags([]string{"--listen", ":9999", "--store", "memory", "--snapshot", "x.json", "--migrate=false"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.listen != ":9999" || opts.store != "memory" || opts.snapshot != "x.json" || opts.migrate {
		t.Fatalf("got %+v", opts)
	}
	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestLoadSnapshot(t *testing.T) {
	t.Parallel()
	rounds, err := loadSnapshot(writeSnapshot(t))
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("rounds: got %d, want 2", len(rounds))
	}
	if !rounds[0].HasBounds() || rounds[1].HasBounds() {
		t.Fatalf("bounds: got %v/%v", rounds[0].HasBounds(), rounds[1].HasBounds())
	}
	if _, err := loadSnapshot(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMemoryServiceServesSnapshot(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.Store = "memory"

	services, err := setupServices(context.Background(), &cfg, options{snapshot: writeSnapshot(t)})
	if err != nil {
		t.Fatalf("setupServices: %v", err)
	}
	defer services.Close()

	srv := httptest.NewServer(setupServer("", services).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: got %d, want 200", resp.StatusCode)
	}

	client := backend.NewConnectClient(srv.Client(), srv.URL)
	rounds, err := client.FetchRounds(context.Background(), "daily")
	if err != nil {
		t.Fatalf("FetchRounds: %v", err)
	}
	if len(rounds) != 2 || rounds[0].ID != "r1" {
		t.Fatalf("rounds: got %+v", rounds)
	}
}
