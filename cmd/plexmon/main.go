// Command plexmon watches a set of media-library directories and triggers
// targeted partial rescans of a Plex-compatible indexing server whenever
// their on-disk structure or contents change (spec.md §1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srevn/plexmon/internal/app"
	"github.com/srevn/plexmon/internal/config"
	"github.com/srevn/plexmon/internal/daemon"
)

const defaultConfigPath = "/usr/local/etc/plexmon.conf"

var (
	configPath     string
	verbose        bool
	daemonize      bool
	startupTimeout int
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "plexmon",
		Short:         "watch media-library directories and trigger targeted Plex rescans",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "alternate config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log to stdout at the configured level")
	cmd.Flags().BoolVarP(&daemonize, "daemon", "d", false, "run in the background")
	cmd.Flags().IntVarP(&startupTimeout, "startup-timeout", "t", 0, "override the startup connection timeout (seconds)")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "plexmon:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if startupTimeout > 0 {
		cfg.StartupTimeout = time.Duration(startupTimeout) * time.Second
	}

	if daemonize {
		if err := daemon.Daemonize(); err != nil {
			return fmt.Errorf("daemonizing: %w", err)
		}
	}

	log := newLogger(cfg, verbose)
	a, err := app.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("plexmon: constructing application failed")
	}
	a.SetReloadPath(configPath)
	defer a.Close()

	if err := a.Bootstrap(context.Background()); err != nil {
		log.WithError(err).Fatal("plexmon: startup sequence failed")
	}
	log.WithField("watches", a.WatchCount()).Info("plexmon: startup complete, entering event loop")

	installSignalHandlers(a, log)

	if err := a.Run(); err != nil {
		log.WithError(err).Error("plexmon: event loop exited with an error")
		return err
	}
	log.Info("plexmon: clean shutdown")
	return nil
}

// installSignalHandlers routes SIGINT/SIGTERM to an EXIT wakeup and SIGHUP
// to a RELOAD wakeup. Per spec.md §5, the handler goroutine only raises
// the kernel user-event — it never touches App's internal state directly.
func installSignalHandlers(a *app.App, log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := a.RaiseReload(); err != nil {
					log.WithError(err).Warn("plexmon: failed to raise reload wakeup")
				}
			default:
				if err := a.RaiseExit(); err != nil {
					log.WithError(err).Warn("plexmon: failed to raise exit wakeup")
				}
				return
			}
		}
	}()
}

func newLogger(cfg config.Config, verbose bool) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)

	if verbose || cfg.LogFile == "" {
		logger.SetOutput(os.Stdout)
		return logrus.NewEntry(logger)
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.SetOutput(os.Stdout)
		logger.WithError(err).Warn("plexmon: could not open log file, logging to stdout")
		return logrus.NewEntry(logger)
	}
	logger.SetOutput(f)
	return logrus.NewEntry(logger)
}
