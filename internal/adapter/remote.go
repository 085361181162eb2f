package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/Mschirtzinger/burnsync/internal/glob"
	"github.com/Mschirtzinger/burnsync/internal/history"
	"github.com/Mschirtzinger/burnsync/internal/location"
	"github.com/Mschirtzinger/burnsync/internal/rpc"
)

var inlineSourceMapRe = regexp.MustCompile(`//# sourceMappingURL=\S+\s*$`)

// DownloadSummary counts the files handled by FullDownload.
type DownloadSummary struct {
	Written int
	Ignored int
	Failed  int
}

// FullDownload copies every file of the configured servers into the local
// tree. The watcher is disabled meanwhile so the written files are not
// pushed back.
func (a *Adapter) FullDownload(ctx context.Context) (DownloadSummary, error) {
	var sum DownloadSummary
	if !a.cfg.Transport.Connected() {
		return sum, rpc.ErrNoConnection
	}
	if a.cfg.DownloadLocation == nil {
		return sum, fmt.Errorf("no download location configured")
	}

	if a.cfg.Watcher != nil {
		a.cfg.Watcher.SetEnabled(false)
		defer a.cfg.Watcher.SetEnabled(true)
	}

	a.logger.Info("download", "downloading files...")

	for _, server := range a.cfg.DownloadServers {
		files, err := a.cfg.Transport.GetAllFiles(ctx, rpc.ServerParams{Server: server})
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			a.logger.Errorf("download", "cannot get file list from server %s: %v", server, err)
			sum.Failed++
			continue
		}

		for _, f := range files {
			name := location.RemoveStartingSlash(f.Filename)
			o := Outcome{Action: history.ActionDownload, File: name, Server: server, Filename: name}

			dest := a.cfg.DownloadLocation(name, server)
			if dest == "" {
				a.logger.Status("download", fmt.Sprintf("@%s:/%s", server, name), console.StatusIgnored)
				o.Outcome = history.OutcomeIgnored
				a.record(ctx, o)
				sum.Ignored++
				continue
			}
			o.File = filepath.ToSlash(dest)

			change := formatDownload(name, dest, server)
			target := a.abs(dest)
			if a.shadowedByTs(target) || (a.cfg.IgnoreSourcemap && inlineSourceMapRe.MatchString(f.Content)) {
				a.logger.Status("download", change, console.StatusIgnored)
				o.Outcome = history.OutcomeIgnored
				a.record(ctx, o)
				sum.Ignored++
				continue
			}

			if err := writeFile(target, f.Content); err != nil {
				a.logger.Errorf("download", "%s (%v)", change, err)
				o.Outcome = history.OutcomeError
				o.Detail = err.Error()
				a.record(ctx, o)
				sum.Failed++
				continue
			}
			a.logger.Status("download", change, console.StatusDone)
			o.Outcome = history.OutcomeDone
			a.record(ctx, o)
			sum.Written++
		}
	}

	a.logger.Info("download", fmt.Sprintf("download completed: %d written, %d ignored, %d failed",
		sum.Written, sum.Ignored, sum.Failed))
	return sum, nil
}

func (a *Adapter) shadowedByTs(target string) bool {
	if !a.cfg.IgnoreTs || !strings.HasSuffix(target, ".js") {
		return false
	}
	_, err := os.Stat(strings.TrimSuffix(target, ".js") + ".ts")
	return err == nil
}

// RAMResult is the RAM cost of one local file.
type RAMResult struct {
	File string
	// Server and Filename name the destination that answered.
	Server   string
	Filename string
	// GB is the cost; meaningful only when Status is StatusDone.
	GB     float64
	Status console.Status
}

// RAMUsage computes the RAM cost of local files matching pattern, or of
// every watched file when pattern is empty. Each file is asked on its first
// script destination that answers.
func (a *Adapter) RAMUsage(ctx context.Context, pattern string) ([]RAMResult, error) {
	patterns := a.cfg.Resolver.Patterns()
	if pattern != "" {
		patterns = []string{pattern}
	} else if a.cfg.Watcher != nil {
		patterns = a.cfg.Watcher.Patterns()
	}
	if len(patterns) == 0 {
		a.logger.Warn("ram", "no pattern found")
		return nil, nil
	}
	if !a.cfg.Transport.Connected() {
		return nil, rpc.ErrNoConnection
	}

	files, err := glob.Expand(a.cfg.Root, patterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		a.logger.Warn("ram", "no file found")
		return nil, nil
	}

	results := make([]RAMResult, 0, len(files))
	for _, file := range files {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, a.ramOf(ctx, file))
	}
	return results, nil
}

func (a *Adapter) ramOf(ctx context.Context, file string) RAMResult {
	res := RAMResult{File: file, Status: console.StatusIgnored}

	isScript := false
	for _, dest := range a.cfg.Resolver.Resolve(file) {
		if !location.IsScriptFile(dest.Filename) {
			continue
		}
		isScript = true
		gb, err := a.cfg.Transport.CalculateRAM(ctx, rpc.FileParams{Filename: dest.Filename, Server: dest.Server})
		if err != nil {
			a.logger.Warn("ram", formatUpload(file, dest.Filename, dest.Server), fmt.Sprintf("(%v)", err))
			continue
		}
		res.Server = dest.Server
		res.Filename = dest.Filename
		res.GB = gb
		res.Status = console.StatusDone
		a.logger.Info("ram", fmt.Sprintf("%s: %v GB", file, gb))
		a.record(ctx, Outcome{Action: history.ActionRAM, File: file, Server: dest.Server, Filename: dest.Filename, Outcome: history.OutcomeDone, Detail: fmt.Sprintf("%v GB", gb)})
		return res
	}

	if isScript {
		res.Status = console.StatusFailed
		a.logger.Warn("ram", file, "(no target found)")
		a.record(ctx, Outcome{Action: history.ActionRAM, File: file, Outcome: history.OutcomeError, Detail: "no target found"})
		return res
	}
	a.logger.Status("ram", file, console.StatusIgnored)
	return res
}

// RemoteRAM asks the game for the RAM cost of a file already on server.
func (a *Adapter) RemoteRAM(ctx context.Context, server, filename string) (float64, error) {
	filename = location.FixStartingSlash(filename)
	gb, err := a.cfg.Transport.CalculateRAM(ctx, rpc.FileParams{Filename: filename, Server: server})
	if err != nil {
		a.logger.Errorf("ram", "@%s/%s: %v", server, location.RemoveStartingSlash(filename), err)
		return 0, err
	}
	a.logger.Info("ram", fmt.Sprintf("@%s/%s: %v GB", server, location.RemoveStartingSlash(filename), gb))
	return gb, nil
}

// FileNames lists the files on server without leading slashes.
func (a *Adapter) FileNames(ctx context.Context, server string) ([]string, error) {
	names, err := a.cfg.Transport.GetFileNames(ctx, rpc.ServerParams{Server: server})
	if err != nil {
		a.logger.Errorf("list", "cannot fetch filenames from server %s: %v", server, err)
		return nil, err
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = location.RemoveStartingSlash(n)
	}
	return out, nil
}
