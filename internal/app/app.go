// Package app wires the daemon's subsystems into a single aggregate
// (spec.md §9 Design Notes, SPEC_FULL.md §4.0), replacing the original
// source's global mutable singletons: one App owns the kernel descriptor
// (via the Watcher), the DirCache, the Scheduler, and the Dispatcher, and
// is constructed once at startup from a Config snapshot.
package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srevn/plexmon/internal/config"
	"github.com/srevn/plexmon/internal/dircache"
	"github.com/srevn/plexmon/internal/dispatcher"
	"github.com/srevn/plexmon/internal/scheduler"
	"github.com/srevn/plexmon/internal/watcher"
)

// App owns every core subsystem for the lifetime of the process. Only the
// event loop goroutine (Watcher.Run) ever mutates these; Reload swaps the
// held *config.Config pointer atomically so SIGHUP's handler context never
// touches core state directly (spec.md §5, §9).
type App struct {
	log        *logrus.Entry
	cfg        atomic.Pointer[config.Config]
	reloadPath atomic.Pointer[string]
	dispatcher dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	cache      *dircache.Cache
	watcher    *watcher.Watcher
}

// New constructs the App aggregate from a resolved Config: it opens the
// platform kernel descriptor, builds the DirCache and Scheduler, and wires
// a Dispatcher pointed at cfg.PlexURL. It does not yet probe connectivity
// or seed watches — callers drive that via Bootstrap.
func New(cfg config.Config, log *logrus.Entry) (*App, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	disp := dispatcher.New(cfg.PlexURL, cfg.PlexToken, 30*time.Second, log)
	cache := dircache.New(log)

	a := &App{
		log:        log,
		dispatcher: disp,
		cache:      cache,
	}
	a.cfg.Store(&cfg)

	sched := scheduler.New(cfg.ScanInterval, a, log)
	a.scheduler = sched

	w, err := watcher.New(cache, sched, log, watcher.WithReload(a.onReload))
	if err != nil {
		return nil, fmt.Errorf("app: constructing watcher: %w", err)
	}
	a.watcher = w

	return a, nil
}

// Scan implements scheduler.Dispatcher by forwarding to the held
// dispatcher.Dispatcher — the Scheduler is constructed against the App
// itself so a config reload that swaps the underlying Dispatcher (see
// Reload) does not require rebuilding the Scheduler.
func (a *App) Scan(path string, sectionID int) bool {
	return a.dispatcher.Scan(path, sectionID)
}

// Config returns the current configuration snapshot.
func (a *App) Config() config.Config { return *a.cfg.Load() }

// Bootstrap runs the startup sequence (SPEC_FULL.md §6): the indexer
// connectivity probe and the library-section listing are independent
// read-only network calls, so they run concurrently under one
// startup_timeout deadline via errgroup. Watch-tree seeding itself stays
// on the calling goroutine — the Watcher is single-threaded by design
// (spec.md §5) and Run has not started yet, so there is no event loop to
// race with.
func (a *App) Bootstrap(ctx context.Context) error {
	cfg := a.Config()
	ctx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	type sectioner interface {
		Sections(ctx context.Context) ([]dispatcher.Section, error)
	}
	sc, hasSections := a.dispatcher.(sectioner)

	var sections []dispatcher.Section
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !a.dispatcher.CheckConnectivity(gctx) {
			return fmt.Errorf("app: indexer at %s not reachable within %s", cfg.PlexURL, cfg.StartupTimeout)
		}
		return nil
	})
	if hasSections {
		g.Go(func() error {
			var err error
			sections, err = sc.Sections(gctx)
			if err != nil {
				return fmt.Errorf("app: discovering library sections: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !hasSections {
		a.log.Warn("app: dispatcher does not support section discovery, starting with no watches")
		return nil
	}

	for _, sec := range sections {
		for _, root := range sec.Paths {
			if err := a.watcher.AddTree(root, sec.ID); err != nil {
				a.log.WithError(err).WithFields(logrus.Fields{
					"path": root, "section_id": sec.ID,
				}).Warn("app: failed to seed watch tree")
			}
		}
	}
	return nil
}

// Run enters the Watcher's single-threaded event loop. It blocks until a
// RaiseExit wakeup (spec.md §4.3).
func (a *App) Run() error { return a.watcher.Run() }

// RaiseExit requests a graceful shutdown; safe to call from a signal
// handler's execution context (spec.md §5).
func (a *App) RaiseExit() error { return a.watcher.RaiseExit() }

// RaiseReload requests a config reload; safe to call from a signal
// handler's execution context (spec.md §5).
func (a *App) RaiseReload() error { return a.watcher.RaiseReload() }

// Close releases the kernel descriptor and all watch handles.
func (a *App) Close() error { return a.watcher.Close() }

// WatchCount reports the number of currently active directory watches.
func (a *App) WatchCount() int { return a.watcher.WatchCount() }

// Reload re-reads configPath into a new Config and, on success, swaps it
// in and rebuilds the Dispatcher against the (possibly changed) plex_url /
// plex_token. Per SPEC_FULL.md §6, in-flight scans keep using the client
// built from the snapshot taken when they were dispatched; watches are not
// rebuilt.
func (a *App) Reload(configPath string) {
	next, err := config.Load(configPath, a.log)
	if err != nil {
		a.log.WithError(err).Warn("app: config reload failed, keeping previous configuration")
		return
	}
	prev := a.Config()
	a.cfg.Store(&next)
	if next.PlexURL != prev.PlexURL || next.PlexToken != prev.PlexToken {
		a.dispatcher = dispatcher.New(next.PlexURL, next.PlexToken, 30*time.Second, a.log)
	}
	a.log.Info("app: configuration reloaded")
}

// onReload is the watcher.WithReload callback invoked on the event-loop
// goroutine when a RELOAD wakeup is observed. The actual config path is
// bound by the caller via SetReloadPath before Run is entered.
func (a *App) onReload() {
	path := a.reloadPath.Load()
	if path == nil {
		return
	}
	a.Reload(*path)
}

// SetReloadPath records the config file path future SIGHUP reloads should
// re-read. Must be called before Run.
func (a *App) SetReloadPath(path string) { a.reloadPath.Store(&path) }
