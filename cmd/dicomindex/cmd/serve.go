package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/dicomindex/internal/config"
	"github.com/Aman-CERP/dicomindex/internal/engine"
	"github.com/Aman-CERP/dicomindex/internal/feed"
	"github.com/Aman-CERP/dicomindex/internal/logging"
	"github.com/Aman-CERP/dicomindex/internal/watcher"
	"github.com/Aman-CERP/dicomindex/pkg/version"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived process",
		Long: `Run the engine until interrupted.

serve keeps the index in memory, runs background compaction, exposes
Prometheus metrics when server.metrics_addr is set and, with feed.watch,
submits an incremental job whenever files in feed.dir change.

Logs are written to ~/.dicomindex/logs/dicomindex.log; view them with
'dicomindex logs'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Server.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, nil)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on this address (overrides server.metrics_addr)")
	return cmd
}

// runServe blocks until ctx is done. ready, when set, receives the metrics
// listener address once the engine is up.
func runServe(ctx context.Context, cfg *config.Config, ready chan<- string) (err error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	logCfg.FilePath = logging.DefaultLogPath()
	if debugMode {
		logCfg.Level = "debug"
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()

	eng, err := engine.Open(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, eng.Close())
	}()
	logger.Info("serving",
		slog.String("version", version.Version),
		slog.String("data_dir", cfg.DataDir),
		slog.String("feed_dir", cfg.Feed.Dir))

	g, gctx := errgroup.WithContext(ctx)

	addr := ""
	if cfg.Server.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.MetricsAddr, err)
		}
		addr = ln.Addr().String()
		srv := &http.Server{Handler: metricsMux(eng), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		logger.Info("metrics listening", slog.String("addr", addr))
	}

	if cfg.Feed.Dir != "" {
		submitter := eng.FeedSubmitter()
		if _, err := submitter.SubmitIncremental(gctx, time.Time{}); err != nil {
			logger.Warn("catch-up job not submitted", slog.String("error", err.Error()))
		}
		if cfg.Feed.Watch {
			w := watcher.NewFeedWatcher(watcher.Options{
				DebounceWindow: config.Duration(cfg.Feed.Debounce, watcher.DefaultOptions().DebounceWindow),
				Suffix:         feed.Extension,
			}, logger)
			defer w.Stop()
			g.Go(func() error {
				if err := w.Start(gctx, cfg.Feed.Dir); err != nil && gctx.Err() == nil {
					return fmt.Errorf("failed to watch %s: %w", cfg.Feed.Dir, err)
				}
				return nil
			})
			select {
			case <-w.Ready():
				logger.Info("watching feed", slog.String("dir", cfg.Feed.Dir), slog.String("kind", w.Kind()))
			case <-gctx.Done():
			}

			g.Go(func() error {
				watcher.NewTrigger(submitter, logger).Run(gctx, w.Events())
				return nil
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case err, ok := <-w.Errors():
						if !ok {
							return nil
						}
						logger.Warn("feed watcher error", slog.String("error", err.Error()))
					}
				}
			})
		}
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case w := <-eng.AuditWarnings():
				logger.Warn("audit event not recorded",
					slog.String("operation", w.Event.Operation),
					slog.String("error", w.Err.Error()))
			}
		}
	})

	if ready != nil {
		ready <- addr
	}
	return g.Wait()
}

func metricsMux(eng *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
