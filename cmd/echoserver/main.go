// Command echoserver is a development backend for livesync clients.
//
// It greets every client with a welcome frame carrying a fresh session ID,
// broadcasts message frames to every client on the server and answers ping
// frames with pong.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesync/internal/logging"
	"github.com/rickgao/livesync/internal/version"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	token := flag.String("token", os.Getenv("ECHOSERVER_TOKEN"), "required bearer token (empty disables auth)")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel})
	slog.SetDefault(logger)

	logger.Info("starting echoserver",
		"version", version.Version,
		"commit", version.Commit,
		"addr", *addr,
		"auth", *token != "",
	)

	h := newHub(*token, logger)
	server := &http.Server{
		Addr:    *addr,
		Handler: newRouter(h),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		h.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("echoserver failed", "error", err)
		os.Exit(1)
	}
	logger.Info("echoserver stopped")
}

func newRouter(h *hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "healthy",
			"clients": h.ClientCount(),
			"version": version.String(),
		})
	})
	return r
}
