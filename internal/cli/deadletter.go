package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edupay/edupay/internal/app/pipeline"
	"github.com/edupay/edupay/internal/daemon"
	"github.com/edupay/edupay/internal/domain"
	"github.com/edupay/edupay/internal/infra/amqp"
	"github.com/edupay/edupay/internal/infra/resolve"
	"github.com/edupay/edupay/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)

	deadletterListCmd.Flags().Bool("all", false, "Include already-requeued entries")
	deadletterListCmd.Flags().Int("limit", 50, "Maximum entries to list")
}

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and requeue parked messages",
	Long: `Messages that exhausted their retry budget are parked in the dead-letter
table. List them to see what went wrong, and requeue one once the underlying
outage is fixed.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages",
	RunE:  runDeadletterList,
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")
	letters, err := db.ListDeadLetters(context.Background(), !all, limit)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Println("No dead-lettered messages.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREFERENCE\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, dl := range letters {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			dl.ID, dl.Reference, dl.Attempts,
			dl.CreatedAt.Format("2006-01-02 15:04:05"), dl.LastError)
	}
	return w.Flush()
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue ID",
	Short: "Reprocess a dead-lettered message",
	Long: `Take a parked message out of the dead-letter table and run it through
the pipeline again. The dedup guard still applies: if the payment was
applied before the original delivery died, the requeue settles as a
duplicate without touching the ledger.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeadletterRequeue,
}

func runDeadletterRequeue(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid dead-letter id %q", args[0])
	}

	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	var publisher domain.Publisher = logPublisher{}
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
		defer transport.Close()
		publisher = transport
	}

	ctx := context.Background()
	ev, err := db.TakeDeadLetter(ctx, id)
	if err != nil {
		return err
	}

	processor := pipeline.NewProcessor(db, db, db, resolve.NewDescriptionExtractor(), publisher)
	disposition, err := processor.HandleTransaction(ctx, *ev)
	if err != nil {
		return fmt.Errorf("requeue failed transiently, message stays requeued-marked: %w", err)
	}
	fmt.Printf("Event %s settled: %s\n", ev.EventID, disposition)
	return nil
}
