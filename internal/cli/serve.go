package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edupay/edupay/internal/api"
	"github.com/edupay/edupay/internal/app/pipeline"
	"github.com/edupay/edupay/internal/daemon"
	"github.com/edupay/edupay/internal/domain"
	"github.com/edupay/edupay/internal/infra/amqp"
	"github.com/edupay/edupay/internal/infra/memqueue"
	"github.com/edupay/edupay/internal/infra/resolve"
	"github.com/edupay/edupay/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation daemon",
	Long: `Start the worker pool draining the inbound transaction queue and the
HTTP API server. With an empty amqp.url the daemon runs against an
in-process queue, which is useful for local development.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	var (
		source    domain.Source
		publisher domain.Publisher
		closer    func() error
	)
	if cfg.AMQP.URL != "" {
		transport, err := amqp.Dial(cfg.AMQP.URL, amqp.Topology{
			TransactionExchange: cfg.AMQP.TransactionExchange,
			TransactionQueue:    cfg.AMQP.TransactionQueue,
			TransactionKey:      cfg.AMQP.TransactionKey,
			TuitionExchange:     cfg.AMQP.TuitionExchange,
			ConfirmedKey:        cfg.AMQP.ConfirmedKey,
			FailedKey:           cfg.AMQP.FailedKey,
		}, cfg.Workers.MessageTimeout())
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		source, publisher, closer = transport, transport, transport.Close
		log.Printf("[serve] consuming %s via %s", cfg.AMQP.TransactionQueue, cfg.AMQP.URL)
	} else {
		queue := memqueue.New()
		source, publisher, closer = queue, logPublisher{}, func() error { queue.Close(); return nil }
		log.Printf("[serve] no broker configured, using in-process queue")
	}
	defer closer()

	processor := pipeline.NewProcessor(db, db, db, resolve.NewDescriptionExtractor(), publisher)
	pool := pipeline.NewPool(pipeline.Config{
		Workers: cfg.Workers.Count,
		Timeout: cfg.Workers.MessageTimeout(),
	}, processor, pipeline.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.Delay(),
		Multiplier:  cfg.Retry.Multiplier,
	}, db)

	server := api.NewServer(db, processor)
	if cfg.Metrics.Enabled {
		server.EnableMetrics()
	}
	httpServer := &http.Server{
		Addr:    cfg.API.Addr(),
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Printf("[serve] HTTP API listening on %s", cfg.API.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		errCh <- pool.Run(ctx, source)
	}()

	select {
	case <-ctx.Done():
		log.Printf("[serve] shutting down")
	case err := <-errCh:
		if err != nil {
			log.Printf("[serve] fatal: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] http shutdown: %v", err)
	}

	stats := pool.Stats()
	log.Printf("[serve] stopped: processed=%d retried=%d dead_lettered=%d",
		stats.Processed, stats.Retried, stats.Dead)
	return nil
}

// logPublisher stands in for the broker when none is configured. Outbound
// events go to the log instead of an exchange.
type logPublisher struct{}

func (logPublisher) PublishConfirmed(_ context.Context, ev domain.TuitionPaymentConfirmed) error {
	log.Printf("[publish] %s transaction=%s matricule=%s status=%s",
		domain.EventTuitionPaymentConfirmed, ev.TransactionID, ev.StudentMatricule, ev.NewStatus)
	return nil
}

func (logPublisher) PublishFailed(_ context.Context, ev domain.TuitionPaymentFailed) error {
	log.Printf("[publish] %s transaction=%s reason=%q",
		domain.EventTuitionPaymentFailed, ev.TransactionID, ev.Reason)
	return nil
}
