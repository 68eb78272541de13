// lmchat - a streaming chat client for local OpenAI-compatible LLM servers.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/jeranaias/lmchat/internal/cache"
	"github.com/jeranaias/lmchat/internal/config"
	"github.com/jeranaias/lmchat/internal/llm"
	"github.com/jeranaias/lmchat/internal/persist"
	"github.com/jeranaias/lmchat/internal/session"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.lmchat/config.toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lmchat %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lmchat: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, logLevel, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	kv, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer kv.Close()

	metaCache := cache.New(cfg.Cache.MaxBytes, cfg.CacheSweep())
	if cfg.Cache.Enabled {
		metaCache.Start()
		defer metaCache.Stop()
	}

	newClient := func(baseURL string) *llm.Client {
		c := llm.NewClient(&llm.Config{
			BaseURL:      baseURL,
			DefaultModel: cfg.Server.DefaultModel,
			Temperature:  cfg.Generation.Temperature,
			MaxTokens:    cfg.Generation.MaxTokens,
			Timeout:      cfg.Timeout(),
			MetadataTTL:  cfg.CacheTTL(),
		}).WithLogger(logger)
		if cfg.Cache.Enabled {
			c = c.WithCache(metaCache)
		}
		return c
	}

	ps := persist.NewStore(kv).WithLogger(logger)
	store := session.NewStore(newClient(cfg.Server.BaseURL), ps, session.Options{
		MaxMessages: cfg.Session.MaxMessages,
		MaxHistory:  cfg.Session.MaxHistory,
	}).WithClientFactory(newClient).WithLogger(logger)
	store.LoadPersisted()
	if store.Model() == "" && cfg.Server.DefaultModel != "" {
		store.SetModel(cfg.Server.DefaultModel)
	}

	// Hot-reload the log level on config file edits.
	if path, pathErr := resolveConfigPath(configPath); pathErr == nil {
		if watcher, werr := config.NewWatcher(path, func(next *config.Config) {
			logLevel.Set(parseLogLevel(next.Log.Level))
		}); werr == nil {
			if err := watcher.Watch(); err == nil {
				defer watcher.Close()
			}
		}
	}

	return repl(store, logger)
}

// loadConfig loads the config from an explicit path or the default.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// resolveConfigPath returns the effective config file path.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return config.Path()
}

// newLogger builds the application logger from the log config. The
// returned LevelVar allows the level to change at runtime.
func newLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.Log.Level))

	out := os.Stderr
	if cfg.Log.Path != "" {
		f, err := os.OpenFile(cfg.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, level, nil
}

// parseLogLevel maps a config level string to a slog level.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStorage selects and opens the configured KV backend.
func openStorage(cfg *config.Config) (persist.KV, error) {
	dir, err := cfg.StorageDir()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Storage.Backend) {
	case "sqlite":
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return persist.NewSQLiteKV(filepath.Join(dir, "lmchat.db"))
	default:
		return persist.NewFileKV(dir)
	}
}

// =============================================================================
// REPL
// =============================================================================

// repl runs the line-oriented chat loop. Plain text sends a message;
// slash commands manage the session.
func repl(store *session.Store, logger *slog.Logger) error {
	fmt.Printf("lmchat %s - connected to %s (/help for commands)\n", Version, store.Server())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	// Ctrl+C during a stream cancels the request instead of exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var cancelCurrent func()

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(store, line, &cancelCurrent); quit {
				return nil
			}
			continue
		}

		cancel, err := store.Send(context.Background(), line,
			func(_, delta string) {
				fmt.Print(delta)
			},
			func(err error) {
				fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		cancelCurrent = cancel

		waitDone := make(chan struct{})
		go func() {
			store.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-sigCh:
			cancel()
			<-waitDone
			fmt.Print(" [cancelled]")
		}
		fmt.Println()
		cancelCurrent = nil
	}
	return scanner.Err()
}

// handleCommand dispatches one slash command. Returns true to quit.
func handleCommand(store *session.Store, line string, cancelCurrent *func()) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	ctx := context.Background()

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(`commands:
  /models              list available models
  /model <id>          select a model
  /server <url>        switch server base URL
  /probe               check the selected model responds
  /context add <name>: <text>   save a context snippet
  /context list        list saved contexts
  /context on|off <id> toggle a context
  /cancel              cancel the in-flight request
  /clear               clear the conversation
  /history             print the conversation
  /export <file>       export session state to a file
  /quit                exit`)

	case "/models":
		ids, err := store.ListModels(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		for _, id := range ids {
			marker := " "
			if id == store.Model() {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, id)
		}

	case "/model":
		if arg == "" {
			fmt.Println(store.Model())
			return false
		}
		store.SetModel(arg)
		fmt.Printf("model set to %s\n", arg)

	case "/server":
		if arg == "" {
			fmt.Println(store.Server())
			return false
		}
		store.SetServer(arg)
		fmt.Printf("server set to %s\n", arg)

	case "/probe":
		if store.Probe(ctx) {
			fmt.Println("model is responsive")
		} else {
			fmt.Println("model is not responding")
		}

	case "/context":
		handleContextCommand(store, arg)

	case "/cancel":
		if *cancelCurrent != nil {
			(*cancelCurrent)()
		} else {
			store.Cancel()
		}

	case "/clear":
		store.ClearSession()
		fmt.Println("conversation cleared")

	case "/history":
		for _, m := range store.Messages() {
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
		}

	case "/export":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "usage: /export <file>")
			return false
		}
		if err := exportSession(store, arg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			fmt.Printf("exported to %s\n", arg)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try /help)\n", cmd)
	}
	return false
}

// handleContextCommand dispatches /context subcommands.
func handleContextCommand(store *session.Store, arg string) {
	sub, rest, _ := strings.Cut(arg, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "add":
		name, content, ok := strings.Cut(rest, ":")
		if !ok {
			fmt.Fprintln(os.Stderr, "usage: /context add <name>: <text>")
			return
		}
		id := store.AddContext(strings.TrimSpace(name), strings.TrimSpace(content))
		fmt.Printf("saved context %s\n", id)

	case "list":
		ctxs, active := store.Contexts()
		for _, c := range ctxs {
			marker := " "
			if active[c.ID] {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, c.ID, c.Name)
		}

	case "on":
		store.SetContextActive(rest, true)
	case "off":
		store.SetContextActive(rest, false)
	case "rm":
		store.RemoveContext(rest)

	default:
		fmt.Fprintln(os.Stderr, "usage: /context add|list|on|off|rm")
	}
}

// exportSession writes the persisted session snapshot to a file.
func exportSession(store *session.Store, path string) error {
	snap := store.Export()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
