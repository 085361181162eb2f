package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the project and sync every change (default)",
	Long: `Watch the project tree and push every change to the connected game.

Changes made while the game is not connected are buffered and sent as soon
as it connects. When stdin is a terminal, single-letter commands are read
from it:

  u          upload every watched file
  d          download every file of the configured servers
  r [glob]   print the RAM cost of watched files; without a glob, a menu
             picks all files, a glob, a local file or a remote file
  s          print the connection status
  q          quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command) error {
	s, err := newSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := s.watcher.Start(gctx); err != nil {
		return err
	}
	s.logger.Info("watch", fmt.Sprintf("watching %s", strings.Join(s.watcher.Patterns(), ", ")))

	g.Go(func() error {
		return ignoreCanceled(s.adapter.Run(gctx))
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-s.watcher.Errors():
				if !ok {
					return nil
				}
				s.logger.Errorf("watch", "%v", err)
			}
		}
	})

	if isTerminal(os.Stdin) {
		lines := newLineReader(os.Stdin)
		g.Go(func() error {
			return s.interact(gctx, lines, cmd.OutOrStdout(), cancel)
		})
	}

	err = g.Wait()
	s.logger.Info("burnsync", "shutting down")
	return ignoreCanceled(err)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// lineReader reads one line per request, so nothing consumes input while
// a form owns the terminal. The reading goroutine is abandoned at exit
// since stdin reads cannot be interrupted.
type lineReader struct {
	next  chan struct{}
	lines chan string
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{
		next:  make(chan struct{}, 1),
		lines: make(chan string, 1),
	}
	go func() {
		defer close(lr.lines)
		scanner := bufio.NewScanner(r)
		for range lr.next {
			if !scanner.Scan() {
				return
			}
			lr.lines <- scanner.Text()
		}
	}()
	return lr
}

// Next requests a line and returns the channel it arrives on. The channel
// is closed at EOF.
func (lr *lineReader) Next() <-chan string {
	select {
	case lr.next <- struct{}{}:
	default:
	}
	return lr.lines
}

// parseCommand splits an input line into a command letter and argument.
func parseCommand(line string) (name, arg string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	name = strings.ToLower(fields[0])
	switch name {
	case "upload":
		name = "u"
	case "download":
		name = "d"
	case "ram":
		name = "r"
	case "status":
		name = "s"
	case "quit", "exit":
		name = "q"
	case "help", "?":
		name = "h"
	}
	if len(fields) > 1 {
		arg = fields[1]
	}
	return name, arg
}

func (s *session) interact(ctx context.Context, lines *lineReader, out io.Writer, quit context.CancelFunc) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines.Next():
			if !ok {
				return nil
			}
			line = l
		}

		name, arg := parseCommand(line)
		switch name {
		case "":
		case "u":
			if err := s.adapter.FullUpload(ctx); err != nil {
				s.logger.Errorf("upload", "%v", err)
			}
		case "d":
			if _, err := s.adapter.FullDownload(ctx); err != nil {
				s.logger.Errorf("download", "%v", err)
			}
		case "r":
			if arg != "" {
				if _, err := s.adapter.RAMUsage(ctx, arg); err != nil {
					s.logger.Errorf("ram", "%v", err)
				}
				continue
			}
			s.ramMenu(ctx)
		case "s":
			st := s.state()
			fmt.Fprintf(out, "connected: %v\npending:   %d\nendpoint:  %s\nroot:      %s\n",
				st.Connected, st.Pending, st.Endpoint, st.Root)
		case "q":
			quit()
			return nil
		case "h":
			fmt.Fprintln(out, "commands: u (upload), d (download), r [glob] (ram menu), s (status), q (quit)")
		default:
			s.logger.Warn("burnsync", fmt.Sprintf("unknown command %q, type h for help", line))
		}
	}
}
