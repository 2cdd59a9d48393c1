// Command livesync keeps a realtime session open against a livesync backend.
//
// It subscribes to the configured channels and prints what arrives, prints
// every status change, and sends each stdin line as a message on the first
// configured channel. Lines starting with "/" are commands:
//
//	/token <value>   replace the auth token
//	/disconnect      drop the connection and let it recover
//	/quit            dispose the session and exit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesync/internal/auth"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/database"
	"github.com/rickgao/livesync/internal/logging"
	"github.com/rickgao/livesync/internal/outbox"
	"github.com/rickgao/livesync/internal/outbox/postgres"
	outboxredis "github.com/rickgao/livesync/internal/outbox/redis"
	"github.com/rickgao/livesync/internal/queue"
	"github.com/rickgao/livesync/internal/status"
	"github.com/rickgao/livesync/internal/subscription"
	"github.com/rickgao/livesync/internal/transport/websocket"
	"github.com/rickgao/livesync/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/livesync.local.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("livesync failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	logger.Info("starting livesync",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"endpoint", cfg.Session.Endpoint,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openOutbox(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	connCfg, err := cfg.ConnectionConfig()
	if err != nil {
		return err
	}

	opts := []connection.Option{
		connection.WithLogger(logger),
		connection.WithRejectHandler(func(msg queue.Message, err error) {
			fmt.Fprintf(os.Stderr, "not delivered: %s on %s: %v\n", msg.ID, msg.Channel, err)
		}),
	}
	if store != nil {
		opts = append(opts, connection.WithOutbox(store))
	}

	m := connection.NewManager(
		connCfg,
		websocket.NewFactory(cfg.WebsocketConfig(), logger),
		tokenProvider(cfg.Session, logger),
		opts...,
	)

	m.OnStatusChange(func(e status.Event) {
		line := fmt.Sprintf("[status] %s %s", e.Kind, e.State)
		if e.Reason != "" {
			line += ": " + e.Reason
		}
		if e.RetryIn > 0 {
			line += fmt.Sprintf(" (attempt %d, retry in %s)", e.Attempt, e.RetryIn.Round(time.Millisecond))
		}
		fmt.Println(line)
	})

	for _, ch := range cfg.Channels {
		if _, err := m.Subscribe(ch, printMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	if store != nil {
		n, err := m.Restore(ctx)
		if err != nil {
			logger.Warn("restore outbox failed", "error", err)
		} else if n > 0 {
			logger.Info("restored undelivered messages", "count", n)
		}
	}

	m.Connect()

	g, gctx := errgroup.WithContext(ctx)

	quit := make(chan struct{})
	go func() {
		// Blocks on stdin; not part of the group so shutdown never waits on it.
		if readInput(os.Stdin, m, cfg.Channels, logger) {
			close(quit)
		}
	}()

	var debugServer *http.Server
	if cfg.Debug.Port > 0 {
		debugServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Debug.Port),
			Handler: newDebugRouter(m, logger),
		}
		g.Go(func() error {
			logger.Info("starting debug server", "port", cfg.Debug.Port)
			if err := debugServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-quit:
		}
		logger.Info("shutting down...")

		m.DisposeSession()
		select {
		case <-m.Done():
		case <-time.After(connCfg.PersistTimeout + time.Second):
			logger.Warn("timed out waiting for disposal")
		}

		if debugServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return debugServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("livesync stopped", "stats", m.Stats())
	return err
}

// tokenProvider builds the configured token source, or nil for none.
func tokenProvider(s config.SessionConfig, logger *slog.Logger) auth.Provider {
	switch {
	case s.Token != "":
		return auth.NewStatic(s.Token)
	case s.TokenFile != "":
		return auth.FileProvider{Path: s.TokenFile}
	case s.TokenURL != "":
		return auth.NewHTTPProvider(s.TokenURL, s.TokenCredential,
			auth.WithLogger(logger),
			auth.WithTimeout(s.ConnectTimeout),
		)
	default:
		return nil
	}
}

// openOutbox connects the configured outbox store. The returned close
// function is always non-nil.
func openOutbox(ctx context.Context, cfg *config.Config, logger *slog.Logger) (outbox.Store, func(), error) {
	switch cfg.Outbox.Driver {
	case "memory":
		return outbox.NewMemory(), func() {}, nil

	case "postgres":
		pool, err := database.Connect(ctx, cfg.Outbox.Postgres, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect outbox database: %w", err)
		}
		store := postgres.New(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case "redis":
		store := outboxredis.New(cfg.Outbox.Redis.StoreConfig(), logger)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	default:
		return nil, func() {}, nil
	}
}

func printMessage(msg subscription.Message) error {
	fmt.Printf("[%s] %s %s\n", msg.Channel, msg.ReceivedAt.Format(time.TimeOnly), msg.Payload)
	return nil
}

// readInput sends stdin lines until EOF or /quit. It reports whether /quit
// was read.
func readInput(r io.Reader, m *connection.Manager, channels []string, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if cmd, arg, ok := parseCommand(line); ok {
			switch cmd {
			case "quit":
				return true
			case "disconnect":
				m.Disconnect("requested from console")
			case "token":
				m.UpdateAuthToken(arg)
			default:
				fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
			}
			continue
		}

		if len(channels) == 0 {
			fmt.Fprintln(os.Stderr, "no channels configured, nothing to send on")
			continue
		}
		id, err := m.Send(channels[0], map[string]string{"text": line})
		if err != nil {
			logger.Warn("send failed", "error", err)
			continue
		}
		logger.Debug("queued message", "id", id, "channel", channels[0])
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read stdin", "error", err)
	}
	return false
}

// parseCommand splits "/name arg" lines.
func parseCommand(line string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return cmd, strings.TrimSpace(arg), true
}
