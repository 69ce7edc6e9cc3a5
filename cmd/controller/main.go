package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mintenance/critic-controller/internal/codec"
	"github.com/mintenance/critic-controller/internal/config"
	"github.com/mintenance/critic-controller/internal/critic"
	"github.com/mintenance/critic-controller/internal/feedback"
	"github.com/mintenance/critic-controller/internal/logging"
	"github.com/mintenance/critic-controller/internal/retry"
	"github.com/mintenance/critic-controller/internal/server"
	"github.com/mintenance/critic-controller/internal/state"
)

var configPath string

// #region main
func main() {
	root := &cobra.Command{
		Use:           "controller",
		Short:         "Safety-constrained critic for automated case decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (defaults apply when empty)")
	root.AddCommand(serveCmd(), resetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region runtime
// runtime holds the opened store and the components built on it.
type runtime struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *state.Store
	retries *retry.Queue
	models  *state.ModelStore
	audit   logging.AuditLogger
}

func open() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	retries := retry.NewQueue(cfg.RetryConfig(), logger.Named("retry"))
	models, err := state.NewModelStore(store, cfg.StoreConfig(), retries, logger.Named("models"))
	if err != nil {
		store.Close()
		return nil, err
	}
	return &runtime{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		retries: retries,
		models:  models,
		audit:   logging.NewDBAuditLogger(store.DB()),
	}, nil
}

func (rt *runtime) close() {
	rt.store.Close()
	_ = rt.logger.Sync()
}

// #endregion runtime

// #region serve
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP decide/feedback service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger

	for _, e := range cfg.Experiments {
		for _, a := range e.Arms {
			key := state.ArmKey{ExperimentID: e.ID, ArmID: a.ID}
			if err := rt.models.EnsureArm(ctx, key); err != nil {
				return fmt.Errorf("bootstrap arm %s: %w", key, err)
			}
		}
	}

	retryCtx, cancelRetry := context.WithCancel(context.Background())
	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		rt.retries.Run(retryCtx)
	}()

	c := critic.New(rt.models, cfg.CriticConfig(), rt.audit, rt.retries, logger.Named("critic"))
	collector := feedback.New(rt.models, feedback.NewClassifier(cfg.SafetyCritical), rt.audit, rt.retries, logger.Named("feedback"))

	var features server.Extractor
	if cfg.FeatureAddr != "" {
		fc, err := codec.NewFeatureClient(cfg.FeatureAddr, cfg.Model.Dim)
		if err != nil {
			cancelRetry()
			<-retryDone
			return fmt.Errorf("connect feature service at %s: %w", cfg.FeatureAddr, err)
		}
		defer fc.Close()
		features = fc
	}

	h := server.NewHandlers(cfg.Experiments, c, collector, rt.models, features, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(h, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("critic controller ready",
			zap.String("addr", cfg.ListenAddr),
			zap.String("db", cfg.DBPath),
			zap.Int("experiments", len(cfg.Experiments)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	cancelRetry()
	<-retryDone
	// last chance for queued writes before the store closes
	if n := rt.retries.Len(); n > 0 {
		ok, failed := rt.retries.Drain(shutdownCtx)
		logger.Info("final retry drain", zap.Int("pending", n), zap.Int("succeeded", ok), zap.Int("failed", failed))
	}
	return serveErr
}

// #endregion serve

// #region reset
func resetCmd() *cobra.Command {
	var experiment, arm string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset one arm model to its zero state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.close()

			e, ok := rt.cfg.Experiment(experiment)
			if !ok {
				return fmt.Errorf("unknown experiment %q", experiment)
			}
			if !hasArm(e, arm) {
				return fmt.Errorf("experiment %q has no arm %q", experiment, arm)
			}

			ctx := cmd.Context()
			key := state.ArmKey{ExperimentID: experiment, ArmID: arm}
			if err := rt.models.Reset(ctx, key); err != nil {
				return err
			}
			if err := rt.audit.Record(ctx, logging.AuditEntry{
				EventType:    logging.EventReset,
				ExperimentID: experiment,
				ArmID:        arm,
				CreatedAt:    time.Now().UTC(),
			}); err != nil {
				rt.logger.Warn("reset audit failed", zap.String("arm", key.String()), zap.Error(err))
			}
			fmt.Printf("reset %s\n", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment id")
	cmd.Flags().StringVar(&arm, "arm", "", "arm id")
	_ = cmd.MarkFlagRequired("experiment")
	_ = cmd.MarkFlagRequired("arm")
	return cmd
}

func hasArm(e config.Experiment, id string) bool {
	for _, a := range e.Arms {
		if a.ID == id {
			return true
		}
	}
	return false
}

// #endregion reset
