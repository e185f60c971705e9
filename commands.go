package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lineinspect/internal/auth"
	"lineinspect/internal/ingest"
	"lineinspect/internal/logging"
	"lineinspect/internal/models"
	"lineinspect/internal/service/ai"
	"lineinspect/internal/service/catalog"
	"lineinspect/internal/sessionstore"
)

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded upload sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.openCatalog()
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := catalog.NewService(db).ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				if records == nil {
					records = []models.SessionRecord{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSessions(records, time.Now()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum sessions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func renderSessions(records []models.SessionRecord, now time.Time) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			humanize.RelTime(r.UploadTime, now, "ago", "from now"),
			strconv.Itoa(r.TotalFiles),
			humanize.IBytes(uint64(r.TotalBytes)),
			string(r.AnalysisStatus),
			strconv.Itoa(r.DispatchAttempts),
			r.LastError,
		})
	}
	return renderTable(
		[]string{"ID", "Uploaded", "Files", "Size", "Status", "Attempts", "Last error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the AI service health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client := ai.NewClient(cfg.AIService.BaseURL, ai.WithTimeout(5*time.Second))
			reqCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			doc, err := client.Health(reqCtx)
			if err != nil {
				return fmt.Errorf("ai service %s: %w", client.BaseURL(), err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}
}

func newCleanStagingCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "clean-staging",
		Short: "Remove abandoned upload staging directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			store, err := sessionstore.New(cfg.BasicConfig.SessionsDir)
			if err != nil {
				return err
			}
			pipeline, err := ingest.NewPipeline(store, ingest.Options{
				StagingDir:    cfg.BasicConfig.StagingDir,
				MaxBatchBytes: cfg.BasicConfig.MaxBatchBytes,
			}, logging.NewNop())
			if err != nil {
				return err
			}
			removed, err := pipeline.CleanStaging(olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d staging %s\n", removed, plural(removed, "directory", "directories"))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", ingest.DefaultStagingTTL, "Only remove batches older than this")
	return cmd
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate a random callback_token",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
