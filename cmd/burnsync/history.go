package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/burnsync/internal/config"
	"github.com/Mschirtzinger/burnsync/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync outcomes",
	Long: `Show the sync journal recorded while watching.

The journal is enabled with the "history" config key, a SQLite database
path relative to the project root.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.History == "" {
			return fmt.Errorf("no history database configured (set \"history\" in %s.yaml)", config.FileName)
		}
		p := cfg.History
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Cwd, p)
		}

		db, err := history.Open(p)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if prune, _ := cmd.Flags().GetDuration("prune"); prune > 0 {
			n, err := db.Prune(ctx, time.Now().Add(-prune))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pruned %d entries older than %s\n", n, prune)
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		file, _ := cmd.Flags().GetString("file")
		server, _ := cmd.Flags().GetString("server")
		outcome, _ := cmd.Flags().GetString("outcome")

		entries, err := db.Recent(ctx, history.Filter{
			Limit:   limit,
			File:    file,
			Server:  server,
			Outcome: history.Outcome(outcome),
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No sync history yet")
			return nil
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("TIME", "ACTION", "FILE", "DESTINATION", "OUTCOME", "DETAIL")
		for _, e := range entries {
			dest := ""
			if e.Server != "" {
				dest = fmt.Sprintf("@%s:%s", e.Server, e.Filename)
			}
			t.Row(e.At.Local().Format("2006-01-02 15:04:05"), string(e.Action), e.File, dest, string(e.Outcome), e.Detail)
		}
		fmt.Fprintln(out, t.String())

		counts, err := db.Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Total: %d done, %d failed, %d ignored\n",
			counts[history.OutcomeDone], counts[history.OutcomeError], counts[history.OutcomeIgnored])
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "Number of entries to show")
	historyCmd.Flags().String("file", "", "Only entries for this local file")
	historyCmd.Flags().String("server", "", "Only entries for this server")
	historyCmd.Flags().String("outcome", "", "Only entries with this outcome (done, error, ignored)")
	historyCmd.Flags().Duration("prune", 0, "Delete entries older than this and exit")
	rootCmd.AddCommand(historyCmd)
}
