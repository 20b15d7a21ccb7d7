package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinwork/enrichd/internal/control"
	"github.com/pinwork/enrichd/internal/core/config"
	"github.com/pinwork/enrichd/internal/core/domain"
	redisclient "github.com/pinwork/enrichd/internal/infra/redis"
	"github.com/pinwork/enrichd/internal/infra/storage/postgres"
)

const recentAuditEvents = 10

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the job queue and credential pool state",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	fmt.Println("Jobs:")
	jw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(jw, "STATUS\tCOUNT")

	jobRows, err := db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM enrichment_jobs GROUP BY status ORDER BY status")
	if err != nil {
		slog.Error("Failed to query jobs", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = jobRows.Close()
	}()
	for jobRows.Next() {
		var status string
		var count int
		if err := jobRows.Scan(&status, &count); err != nil {
			slog.Error("Failed to scan job row", "error", err)
			os.Exit(1)
		}
		fmt.Fprintf(jw, "%s\t%d\n", status, count)
	}
	_ = jw.Flush()

	fmt.Println("\nCredentials:")
	cw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(cw, "PROVIDER\tSTATUS\tCOUNT\tSUCCESS\tRATE_LIMITED\tPROXY_ERRORS")

	credRows, err := db.QueryContext(ctx, `
		SELECT provider, status, COUNT(*),
		       COALESCE(SUM(success_count), 0),
		       COALESCE(SUM(rate_limited_count), 0),
		       COALESCE(SUM(proxy_error_count), 0)
		  FROM api_credentials
		 GROUP BY provider, status
		 ORDER BY provider, status`)
	if err != nil {
		slog.Error("Failed to query credentials", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = credRows.Close()
	}()
	for credRows.Next() {
		var provider, status string
		var count, success, limited, proxyErrs int
		if err := credRows.Scan(&provider, &status, &count, &success, &limited, &proxyErrs); err != nil {
			slog.Error("Failed to scan credential row", "error", err)
			os.Exit(1)
		}
		fmt.Fprintf(cw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			provider, status, count, success, limited, proxyErrs)
	}
	_ = cw.Flush()

	if cfg.Redis.URL != "" {
		printRedisStatus(ctx, cfg)
	}
}

// printRedisStatus shows the published pacing delays and the tail of the
// audit stream. Best effort: a missing redis just trims the report.
func printRedisStatus(ctx context.Context, cfg *config.AppConfig) {
	rc, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("Failed to connect to redis, skipping pacing and audit", "error", err)
		return
	}
	defer func() {
		_ = rc.Close()
	}()

	fmt.Println("\nPacing:")
	pw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(pw, "STAGE\tPROVIDER\tDELAY")
	stages := []struct {
		name     string
		provider string
	}{
		{domain.StageDiscovery.String(), cfg.Stages.Discovery.Provider},
		{domain.StageExtraction.String(), cfg.Stages.Extraction.Provider},
	}
	for _, st := range stages {
		delay, ok, err := rc.CurrentDelay(ctx, st.provider, st.name)
		val := "-"
		switch {
		case err != nil:
			slog.Warn("Failed to read published delay", "stage", st.name, "error", err)
		case ok:
			val = delay.String()
		}
		fmt.Fprintf(pw, "%s\t%s\t%s\n", st.name, st.provider, val)
	}
	_ = pw.Flush()

	audit := redisclient.NewAuditSink(rc, control.AuditStream)
	total, err := audit.Len(ctx)
	if err != nil {
		slog.Warn("Failed to read audit stream length", "error", err)
		return
	}
	events, err := audit.Recent(ctx, recentAuditEvents)
	if err != nil {
		slog.Warn("Failed to read audit events", "error", err)
		return
	}

	fmt.Printf("\nAudit (%d events, newest first):\n", total)
	aw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(aw, "AT\tKIND\tDOMAIN\tSTAGE\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(aw, "%s\t%s\t%s\t%s\t%s\n",
			ev.At.Format(time.RFC3339), ev.Kind, ev.DomainFull, ev.Stage, ev.Detail)
	}
	_ = aw.Flush()
}
