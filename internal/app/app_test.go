package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srevn/plexmon/internal/config"
)

func newTestServer(t *testing.T, root string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/library/sections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"MediaContainer":{"Directory":[{"key":"1","Location":[{"path":"` + root + `"}]}]}}`))
	})
	mux.HandleFunc("/library/sections/1/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestBootstrapSeedsWatchesFromDiscoveredSections(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "child"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	srv := newTestServer(t, root)
	defer srv.Close()

	cfg := config.Default()
	cfg.PlexURL = srv.URL
	cfg.StartupTimeout = 5 * time.Second

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if a.WatchCount() < 2 {
		t.Errorf("WatchCount() = %d, want at least 2 (root + child)", a.WatchCount())
	}
}

func TestBootstrapFailsWhenIndexerUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.PlexURL = "http://127.0.0.1:1" // nothing listens here
	cfg.StartupTimeout = 200 * time.Millisecond

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.Bootstrap(context.Background()); err == nil {
		t.Error("Bootstrap succeeded against an unreachable indexer, want error")
	}
}

func TestRunStopsOnRaiseExit(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root)
	defer srv.Close()

	cfg := config.Default()
	cfg.PlexURL = srv.URL
	cfg.StartupTimeout = 5 * time.Second

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run() }()

	time.Sleep(50 * time.Millisecond)
	if err := a.RaiseExit(); err != nil {
		t.Fatalf("RaiseExit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not stop after RaiseExit")
	}
}

func TestReloadSwapsConfigOnChangedPlexURL(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root)
	defer srv.Close()

	cfg := config.Default()
	cfg.PlexURL = srv.URL

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	confPath := filepath.Join(t.TempDir(), "plexmon.conf")
	newURL := srv.URL + "/renamed"
	if err := os.WriteFile(confPath, []byte("plex_url="+newURL+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a.Reload(confPath)
	if got := a.Config().PlexURL; got != newURL {
		t.Errorf("Config().PlexURL = %q after reload, want %q", got, newURL)
	}
}
