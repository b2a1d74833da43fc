package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/example/style-predict/internal/attempt"
	"github.com/example/style-predict/internal/config"
	"github.com/example/style-predict/internal/display"
	"github.com/example/style-predict/internal/logging"
	"github.com/example/style-predict/internal/predictor"
)

type predictFlags struct {
	baseURL string
	timeout time.Duration
	noWake  bool
}

func newPredictCmd() *cobra.Command {
	var flags predictFlags
	cmd := &cobra.Command{
		Use:   "predict <image>",
		Short: "Predict the style of one image and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if flags.baseURL != "" {
				cfg.BaseURL = flags.baseURL
			}
			if flags.timeout > 0 {
				cfg.Timeout = flags.timeout
			}
			if flags.noWake {
				cfg.Wake = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPredict(ctx, cfg, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "prediction service URL (overrides PREDICT_BASE_URL)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "request ceiling (overrides PREDICT_TIMEOUT)")
	cmd.Flags().BoolVar(&flags.noWake, "no-wake", false, "skip the wake-up ping before submitting")
	return cmd
}

// loadFile reads path and detects its MIME type from the content.
func loadFile(path string) (*attempt.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	// Checked before reading so huge files are never loaded.
	if info.Size() > attempt.MaxFileSize {
		return nil, &attempt.Failure{Kind: attempt.FailureValidation, Err: attempt.ErrTooLarge}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mime := mimetype.Detect(data)
	return &attempt.File{Name: filepath.Base(path), MIMEType: mime.String(), Data: data}, nil
}

func runPredict(ctx context.Context, cfg *config.Config, path string, out io.Writer) error {
	logger, err := logging.NewLogger(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	file, err := loadFile(path)
	if err != nil {
		if failure, ok := attempt.AsFailure(err); ok {
			return errors.New(failure.Message())
		}
		return err
	}

	var outMu sync.Mutex
	client := predictor.NewHTTPClient(cfg.BaseURL, &http.Client{}, logger)
	orch := attempt.NewOrchestrator(client, logger, attempt.Options{
		Ceiling:      cfg.Timeout,
		Tick:         cfg.Tick,
		Hold:         cfg.Hold,
		WakeOnSubmit: cfg.Wake,
		Watch: func(s attempt.Snapshot) {
			if s.State.InFlight() {
				outMu.Lock()
				defer outMu.Unlock()
				fmt.Fprintf(out, "\r%s %s", display.ProgressBar(s.Progress, 30), s.State)
			}
		},
	})

	outcome := orch.Submit(ctx, file)
	fmt.Fprintln(out)

	switch outcome.Kind {
	case attempt.OutcomeSucceeded:
		fmt.Fprintln(out, display.Render(outcome.Results, display.Threshold).String())
		return nil
	case attempt.OutcomeFailed:
		return errors.New(outcome.Failure.Message())
	default:
		return errors.New("prediction cancelled")
	}
}
