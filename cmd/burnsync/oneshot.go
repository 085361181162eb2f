package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/burnsync/internal/console"
)

const defaultWait = 60 * time.Second

// runOnce listens for the game, waits for it to connect and runs fn.
func runOnce(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := newSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.listen(); err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")
	if err := s.waitConnected(ctx, wait); err != nil {
		return err
	}
	return fn(ctx, s)
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload every watched file once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, s *session) error {
			if err := s.adapter.FullUpload(ctx); err != nil {
				return err
			}
			s.adapter.Flush(ctx)
			return nil
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download every file of the configured servers and exit",
	Long: `Download every file of the configured servers into the project.

Files are placed by the download.location template (default "src/{file}").
A .js file is skipped when a .ts file of the same name exists locally
(download.ignoreTs), and files ending with an inline source map are skipped
(download.ignoreSourcemap).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, s *session) error {
			sum, err := s.adapter.FullDownload(ctx)
			if err != nil {
				return err
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d downloads failed", sum.Failed)
			}
			return nil
		})
	},
}

var ramCmd = &cobra.Command{
	Use:   "ram [glob]",
	Short: "Print the RAM cost of watched files",
	Long: `Print the RAM cost of local files, computed by the game on each file's
first script destination. Without a glob every watched file is measured.

With --server, the argument names a file already on that server.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		var pattern string
		if len(args) > 0 {
			pattern = args[0]
		}
		return runOnce(cmd, func(ctx context.Context, s *session) error {
			if server != "" {
				if pattern == "" {
					return fmt.Errorf("--server needs a filename")
				}
				_, err := s.adapter.RemoteRAM(ctx, server, pattern)
				return err
			}

			results, err := s.adapter.RAMUsage(ctx, pattern)
			if err != nil {
				return err
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("FILE", "DESTINATION", "RAM")
			for _, r := range results {
				ram := r.Status.String()
				dest := ""
				if r.Status == console.StatusDone {
					ram = fmt.Sprintf("%.2f GB", r.GB)
					dest = fmt.Sprintf("@%s:%s", r.Server, r.Filename)
				}
				t.Row(r.File, dest, ram)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.String())
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [server]",
	Short: "List the files on a server (default home)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := "home"
		if len(args) > 0 {
			server = args[0]
		}
		return runOnce(cmd, func(ctx context.Context, s *session) error {
			names, err := s.adapter.FileNames(ctx, server)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{uploadCmd, downloadCmd, ramCmd, lsCmd} {
		c.Flags().Duration("wait", defaultWait, "How long to wait for the game to connect (0 waits forever)")
		rootCmd.AddCommand(c)
	}
	ramCmd.Flags().String("server", "", "Measure a file already on this server")
}
