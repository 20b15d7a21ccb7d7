package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pinwork/enrichd/internal/core/config"
	"github.com/pinwork/enrichd/internal/infra/storage/postgres"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue [domain_full]",
	Short: "Put a stuck or failed job back into the pending queue",
	Args:  cobra.ExactArgs(1),
	Run:   runRequeue,
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) {
	domainFull := args[0]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	// Direct SQL keeps the override independent of the worker lease path.
	query := `
		UPDATE enrichment_jobs
		   SET status = 'pending',
		       error_reason = NULL,
		       short_response_attempts = 0,
		       updated_at = NOW()
		 WHERE domain_full = $1`
	res, err := db.ExecContext(ctx, query, domainFull)
	if err != nil {
		slog.Error("Failed to requeue job", "error", err)
		os.Exit(1)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		fmt.Printf("No job found for %s\n", domainFull)
		os.Exit(1)
	}

	fmt.Printf("Requeued %s\n", domainFull)
}
