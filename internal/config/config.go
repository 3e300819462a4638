// Package config parses the daemon's line-oriented key=value configuration
// file (spec.md §6) and holds the resolved settings used to construct the
// App aggregate.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every recognized configuration key, post-defaulting.
type Config struct {
	PlexURL        string
	PlexToken      string
	ScanInterval   time.Duration
	StartupTimeout time.Duration
	LogLevel       logrus.Level
	LogFile        string
}

// Default returns the configuration that applies when no file is present
// or a key is simply absent from it (spec.md §6: "Missing file is
// non-fatal: defaults apply").
func Default() Config {
	return Config{
		ScanInterval:   1 * time.Second,
		StartupTimeout: 60 * time.Second,
		LogLevel:       logrus.InfoLevel,
	}
}

// Load reads and parses the config file at path, overlaying recognized keys
// onto Default(). A missing file is not an error. Malformed individual
// values are warned about and left at their default (spec.md §7,
// Configuration errors are "warned; defaulted").
func Load(path string, log *logrus.Entry) (Config, error) {
	cfg := Default()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.WithFields(logrus.Fields{"file": path, "line": lineNo}).
				Warn("config: ignoring malformed line (expected key=value)")
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		applyKey(&cfg, key, value, log)
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return cfg, nil
}

func applyKey(cfg *Config, key, value string, log *logrus.Entry) {
	switch key {
	case "plex_url":
		cfg.PlexURL = strings.TrimRight(value, "/")
	case "plex_token":
		cfg.PlexToken = value
	case "scan_interval":
		d, err := parseSeconds(value)
		if err != nil {
			log.WithField("value", value).Warn("config: invalid scan_interval, keeping default")
			return
		}
		cfg.ScanInterval = d
	case "startup_timeout":
		d, err := parseSeconds(value)
		if err != nil {
			log.WithField("value", value).Warn("config: invalid startup_timeout, keeping default")
			return
		}
		cfg.StartupTimeout = d
	case "log_level":
		switch strings.ToLower(value) {
		case "debug":
			cfg.LogLevel = logrus.DebugLevel
		case "info":
			cfg.LogLevel = logrus.InfoLevel
		default:
			log.WithField("value", value).Warn("config: unrecognized log_level, keeping default")
		}
	case "log_file":
		cfg.LogFile = value
	default:
		log.WithField("key", key).Warn("config: unknown key, ignoring")
	}
}

func parseSeconds(value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(n) * time.Second, nil
}
