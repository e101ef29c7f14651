// ABOUTME: Service wiring for the mjsync CLI
// ABOUTME: Opens config, store, session, gateway, queue, collections, channel, engine, and migrator

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mjwellness/mjsync/internal/config"
	"github.com/mjwellness/mjsync/internal/engine"
	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/gateway"
	"github.com/mjwellness/mjsync/internal/migrate"
	"github.com/mjwellness/mjsync/internal/queue"
	"github.com/mjwellness/mjsync/internal/realtime"
	"github.com/mjwellness/mjsync/internal/session"
	"github.com/mjwellness/mjsync/internal/store"
)

// getConfigPath returns the path to the mjsync config file.
// Priority: MJSYNC_CONFIG env var > XDG_CONFIG_HOME/mjsync/config.yaml > ~/.config/mjsync/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MJSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mjsync", "config.yaml")
}

// getDataPath returns the path to the mjsync data directory.
// Priority: XDG_DATA_HOME/mjsync > ~/.local/share/mjsync
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mjsync")
}

// expandPath resolves a leading ~ against the home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// app bundles every service a CLI command can touch.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	session  *session.Store
	notices  *events.Bus[events.Notice]
	client   *gateway.Client
	queue    *queue.Queue
	moods    *entity.Collection[*entity.Mood]
	tasks    *entity.Collection[*entity.Task]
	journal  *entity.Collection[*entity.JournalEntry]
	convs    *entity.Collection[*entity.Conversation]
	channel  *realtime.Channel
	engine   *engine.Engine
	migrator *migrate.Coordinator

	logFile *lumberjack.Logger
}

type openOptions struct {
	withChannel bool // dial the realtime channel (run and chat)
	quiet       bool // one-shot commands keep info logs off the terminal
}

// openApp loads config and assembles the full service graph. Callers must
// Close the returned app.
func openApp(ctx context.Context, opts openOptions) (*app, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config (run \"mjsync init\" first): %w", err)
	}

	logger, logFile := setupLogger(cfg.Logging, opts.quiet)
	slog.SetDefault(logger)

	st, err := store.New(expandPath(cfg.Storage.Path))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st, logFile: logFile}
	a.notices = events.NewBus[events.Notice](logger)
	a.session = session.New(st, logger)

	a.client, err = gateway.New(gateway.Options{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.API.Timeout,
		RefreshMargin: cfg.API.RefreshMargin,
		Session:       a.session,
		Notices:       a.notices,
		Logger:        logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	a.queue = queue.New(st, a.notices, cfg.Sync.MaxRecordAttempts, logger)
	a.moods = entity.NewCollection[*entity.Mood](st, store.KeyMoods, logger)
	a.tasks = entity.NewCollection[*entity.Task](st, store.KeyTasks, logger)
	a.journal = entity.NewCollection[*entity.JournalEntry](st, store.KeyJournalEntries, logger)
	a.convs = entity.NewCollection[*entity.Conversation](st, store.KeyConversations, logger)

	if opts.withChannel {
		rtURL, err := cfg.RealtimeURL()
		if err != nil {
			st.Close()
			return nil, err
		}
		a.channel = realtime.New(realtime.Options{
			URL:                  rtURL,
			Session:              a.session,
			Notices:              a.notices,
			MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
			BackoffBase:          cfg.Realtime.BackoffBase,
			BackoffCap:           cfg.Realtime.BackoffCap,
			Logger:               logger,
		})
	}

	a.engine = engine.New(engine.Options{
		Store:          st,
		Session:        a.session,
		Client:         a.client,
		Queue:          a.queue,
		Channel:        a.channel,
		Moods:          a.moods,
		Tasks:          a.tasks,
		Journal:        a.journal,
		Conversations:  a.convs,
		Notices:        a.notices,
		SyncInterval:   cfg.Sync.Interval,
		ReenqueueGrace: cfg.Sync.ReenqueueGrace,
		Logger:         logger,
	})

	if err := a.engine.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	a.migrator = migrate.New(migrate.Options{
		Session:       a.session,
		Queue:         a.queue,
		Client:        a.client,
		Moods:         a.moods,
		Tasks:         a.tasks,
		Journal:       a.journal,
		Conversations: a.convs,
		Notices:       a.notices,
		Logger:        logger,
	})

	return a, nil
}

// Close releases everything in reverse dependency order.
func (a *app) Close() {
	a.engine.Close()
	if a.channel != nil {
		a.channel.Close()
	}
	a.notices.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing state store", "error", err)
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// stdin is shared so buffered read-ahead never swallows a later prompt's line.
var stdin = bufio.NewReader(os.Stdin)

func prompt(question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := stdin.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// promptPassword reads a password without echoing when stdin is a terminal.
func promptPassword(label string) (string, error) {
	fmt.Printf("%s: ", label)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pw), nil
	}

	// Piped input (tests, scripts): fall back to a plain line read.
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}
