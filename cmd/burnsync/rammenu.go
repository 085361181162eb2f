package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/Mschirtzinger/burnsync/internal/glob"
	"github.com/Mschirtzinger/burnsync/internal/location"
)

// Choices of the RAM menu.
const (
	ramAll    = "all"
	ramGlob   = "glob"
	ramLocal  = "local"
	ramRemote = "remote"
)

const (
	defaultRAMGlob = "src/**/*.{ts,js}"
	localScripts   = "**/*.{js,ts,script}"
)

type menuOption struct {
	Label string
	Value string
}

// prompter asks the user for one value at a time.
type prompter interface {
	Select(ctx context.Context, title string, options []menuOption) (string, error)
	Input(ctx context.Context, title, initial string, suggestions []string) (string, error)
}

// huhPrompter renders prompts as huh forms.
type huhPrompter struct {
	in  io.Reader
	out io.Writer
}

func (p huhPrompter) Select(ctx context.Context, title string, options []menuOption) (string, error) {
	var value string
	opts := make([]huh.Option[string], len(options))
	for i, o := range options {
		opts[i] = huh.NewOption(o.Label, o.Value)
	}
	sel := huh.NewSelect[string]().
		Title(title).
		Options(opts...).
		Value(&value)
	if len(options) > 8 {
		sel = sel.Filtering(true).Height(12)
	}
	err := huh.NewForm(huh.NewGroup(sel)).
		WithInput(p.in).
		WithOutput(p.out).
		RunWithContext(ctx)
	return value, err
}

func (p huhPrompter) Input(ctx context.Context, title, initial string, suggestions []string) (string, error) {
	value := initial
	input := huh.NewInput().
		Title(title).
		Placeholder(initial).
		Suggestions(suggestions).
		Value(&value)
	err := huh.NewForm(huh.NewGroup(input)).
		WithInput(p.in).
		WithOutput(p.out).
		RunWithContext(ctx)
	return strings.TrimSpace(value), err
}

// ramMenu asks which scripts to measure and prints their RAM cost. Key
// commands are not read while it runs.
func (s *session) ramMenu(ctx context.Context) {
	done, err := s.runRAMMenu(ctx)
	switch {
	case errors.Is(err, huh.ErrUserAborted):
		s.logger.Info("ram", "cancelled")
	case err != nil:
		s.logger.Errorf("ram", "%v", err)
	case !done:
		s.logger.Info("ram", "cancelled")
	default:
		s.logger.Info("ram", "done")
	}
}

func (s *session) runRAMMenu(ctx context.Context) (bool, error) {
	choice, err := s.prompter.Select(ctx, "Which script do you want to check?", []menuOption{
		{Label: "All local scripts", Value: ramAll},
		{Label: "Filter local scripts by glob pattern", Value: ramGlob},
		{Label: "Find a local script", Value: ramLocal},
		{Label: "Find a remote script", Value: ramRemote},
	})
	if err != nil {
		return false, err
	}

	switch choice {
	case ramAll:
		s.logger.Info("ram", "fetching ram usage of scripts...")
		_, err := s.adapter.RAMUsage(ctx, "")
		return err == nil, err

	case ramGlob:
		pattern, err := s.prompter.Input(ctx, "Enter a glob pattern", defaultRAMGlob, nil)
		if err != nil || pattern == "" {
			return false, err
		}
		if err := glob.Validate([]string{pattern}); err != nil {
			return false, err
		}
		s.logger.Info("ram", "fetching ram usage of scripts...")
		_, err = s.adapter.RAMUsage(ctx, pattern)
		return err == nil, err

	case ramLocal:
		files, err := s.localScripts()
		if err != nil {
			return false, err
		}
		if len(files) == 0 {
			s.logger.Warn("ram", "no file found")
			return false, nil
		}
		file, err := s.prompter.Select(ctx, "Enter a filename", fileOptions(files))
		if err != nil || file == "" {
			return false, err
		}
		_, err = s.adapter.RAMUsage(ctx, file)
		return err == nil, err

	case ramRemote:
		server, err := s.prompter.Input(ctx, "Enter a server name", location.DefaultServer, s.cfg.Download.Servers)
		if err != nil || server == "" {
			return false, err
		}
		names, err := s.adapter.FileNames(ctx, server)
		if err != nil {
			return false, err
		}
		var scripts []string
		for _, n := range names {
			if location.IsScriptFile(n) {
				scripts = append(scripts, n)
			}
		}
		if len(scripts) == 0 {
			s.logger.Warn("ram", fmt.Sprintf("no script found on %s", server))
			return false, nil
		}
		file, err := s.prompter.Select(ctx, "Enter a filename", fileOptions(scripts))
		if err != nil || file == "" {
			return false, err
		}
		_, err = s.adapter.RemoteRAM(ctx, server, file)
		return err == nil, err
	}
	return false, nil
}

// localScripts lists script sources below the project root, leaving out
// type declarations and dependencies.
func (s *session) localScripts() ([]string, error) {
	files, err := glob.Expand(s.cfg.Cwd, []string{localScripts})
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if strings.HasSuffix(f, ".d.ts") || f == s.cfg.DTS || strings.HasPrefix(f, "node_modules/") {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func fileOptions(files []string) []menuOption {
	opts := make([]menuOption, len(files))
	for i, f := range files {
		opts[i] = menuOption{Label: f, Value: f}
	}
	return opts
}
