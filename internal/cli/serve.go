package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/style-predict/internal/attempt"
	"github.com/example/style-predict/internal/config"
	"github.com/example/style-predict/internal/handlers"
	"github.com/example/style-predict/internal/logging"
	"github.com/example/style-predict/internal/predictor"
	"github.com/example/style-predict/internal/session"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the prediction view over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func runServer(cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := predictor.NewHTTPClient(cfg.BaseURL, &http.Client{}, logger)
	store := session.NewStore(cfg.SessionTTL, func() *attempt.Orchestrator {
		return attempt.NewOrchestrator(client, logger, attempt.Options{
			Ceiling:      cfg.Timeout,
			Tick:         cfg.Tick,
			Hold:         cfg.Hold,
			WakeOnSubmit: cfg.Wake,
		})
	}, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, store, logger, handlers.RouteOptions{
		SubmitRate:  rate.Limit(cfg.SubmitRate),
		SubmitBurst: cfg.SubmitBurst,
		LimiterIdle: cfg.SessionTTL,
		Context:     ctx,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	logger.Info("style predict view listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("backend", cfg.BaseURL),
		zap.Duration("timeout", cfg.Timeout))
	return runHTTPServer(ctx, server, listener, shutdownTimeout, logger)
}

// runHTTPServer serves on listener until ctx is done, then gives in-flight
// requests up to drain to finish. Background attempts share ctx, so they
// are aborted as soon as shutdown starts.
func runHTTPServer(ctx context.Context, server *http.Server, listener net.Listener, drain time.Duration, logger *zap.Logger) error {
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("drain", drain))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
