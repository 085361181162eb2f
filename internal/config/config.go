// Package config loads the burnsync configuration from burnsync.{yaml,json,toml}
// in the project directory, BURNSYNC_* environment variables and CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/Mschirtzinger/burnsync/internal/glob"
	"github.com/Mschirtzinger/burnsync/internal/location"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// FileName is the config file name without extension.
	FileName = "burnsync"
	// EnvPrefix prefixes environment overrides, e.g. BURNSYNC_PORT.
	EnvPrefix = "BURNSYNC"

	DefaultPort    = 12525
	DefaultTimeout = 10 * time.Second
	DefaultDTS     = "NetscriptDefinitions.d.ts"
	// DefaultDownloadLocation maps a downloaded file below src/.
	DefaultDownloadLocation = "src/{file}"
)

// Source map modes.
const (
	SourcemapNone   = ""
	SourcemapInline = "inline"
	SourcemapHidden = "hidden"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Download configures FullDownload.
type Download struct {
	// Servers to download from.
	Servers []string
	// Location maps a remote file to a local path; "" skips the file.
	Location Template
	// IgnoreTs skips a .js file when a .ts file with the same stem exists
	// at its destination.
	IgnoreTs bool
	// IgnoreSourcemap skips files ending with an inline source map.
	IgnoreSourcemap bool
}

// Config is the resolved configuration.
type Config struct {
	// Cwd is the absolute project root.
	Cwd           string
	Watch         []location.WatchItem
	Port          int
	Timeout       time.Duration
	IgnoreInitial bool
	Sourcemap     string
	// DTS is the definition file path relative to Cwd; "" disables it.
	DTS      string
	Download Download
	// DumpFiles maps (file, server) to a dump path; "" disables dumping.
	DumpFiles Template

	LogFile    string
	LogLevel   console.Level
	History    string
	StatusAddr string

	// File is the config file used, "" when none was found.
	File string
}

// DefaultWatch is used when the configuration names no watch items.
func DefaultWatch() []location.WatchItem {
	return []location.WatchItem{
		{Pattern: "src/**/*.{js,ts}", Transform: true},
		{Pattern: "src/**/*.{script,txt}", Transform: false},
	}
}

// Options controls where Load looks.
type Options struct {
	// Cwd overrides the working directory.
	Cwd string
	// File is an explicit config file path.
	File string
	// Flags are bound over file and environment values: "port", "cwd",
	// "timeout", "log-level".
	Flags *pflag.FlagSet
}

// Load reads and resolves the configuration.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for key, flag := range map[string]string{
			"port":     "port",
			"cwd":      "cwd",
			"timeout":  "timeout",
			"logLevel": "log-level",
		} {
			if f := opts.Flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = v.GetString("cwd")
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cwd = wd
	}
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cwd: %w", err)
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(cwd)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := resolve(v)
	if err != nil {
		return nil, err
	}
	cfg.Cwd = cwd
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("timeout", int(DefaultTimeout/time.Millisecond))
	v.SetDefault("ignoreInitial", false)
	v.SetDefault("sourcemap", SourcemapNone)
	v.SetDefault("dts", DefaultDTS)
	v.SetDefault("download.server", []string{location.DefaultServer})
	v.SetDefault("download.location", DefaultDownloadLocation)
	v.SetDefault("download.ignoreTs", true)
	v.SetDefault("download.ignoreSourcemap", true)
	v.SetDefault("dumpFiles", "")
	v.SetDefault("logFile", "")
	v.SetDefault("logLevel", "info")
	v.SetDefault("history", "")
	v.SetDefault("statusAddr", "")
}

func resolve(v *viper.Viper) (*Config, error) {
	watch, err := parseWatch(v.Get("watch"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(watch) == 0 {
		watch = DefaultWatch()
	}

	level, err := console.ParseLevel(v.GetString("logLevel"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg := &Config{
		Watch:         watch,
		Port:          v.GetInt("port"),
		Timeout:       time.Duration(v.GetInt("timeout")) * time.Millisecond,
		IgnoreInitial: v.GetBool("ignoreInitial"),
		Sourcemap:     resolveSourcemap(v.Get("sourcemap")),
		DTS:           resolveDTS(v.Get("dts")),
		Download: Download{
			Servers:         v.GetStringSlice("download.server"),
			Location:        Template(v.GetString("download.location")),
			IgnoreTs:        v.GetBool("download.ignoreTs"),
			IgnoreSourcemap: v.GetBool("download.ignoreSourcemap"),
		},
		DumpFiles:  dumpTemplate(v.GetString("dumpFiles")),
		LogFile:    v.GetString("logFile"),
		LogLevel:   level,
		History:    v.GetString("history"),
		StatusAddr: v.GetString("statusAddr"),
	}
	return cfg, nil
}

// resolveDTS accepts a filename, true for the default name, or false.
func resolveDTS(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return DefaultDTS
		}
		return ""
	case string:
		switch strings.ToLower(v) {
		case "true":
			return DefaultDTS
		case "false":
			return ""
		}
		return v
	default:
		return DefaultDTS
	}
}

// resolveSourcemap accepts "inline", "hidden" or a boolean; only inline
// changes what is pushed.
func resolveSourcemap(value any) string {
	switch v := value.(type) {
	case string:
		switch strings.ToLower(v) {
		case SourcemapInline:
			return SourcemapInline
		case SourcemapHidden, "true":
			return SourcemapHidden
		}
	case bool:
		if v {
			return SourcemapHidden
		}
	}
	return SourcemapNone
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	patterns := make([]string, len(c.Watch))
	for i, item := range c.Watch {
		patterns[i] = item.Pattern
	}
	if err := glob.Validate(patterns); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if len(c.Download.Servers) == 0 {
		return fmt.Errorf("%w: download.server cannot be empty", ErrInvalid)
	}
	return nil
}

// DownloadLocation maps a remote file to a local path relative to Cwd, or
// "" when the file is not downloaded.
func (c *Config) DownloadLocation(file, server string) string {
	return c.Download.Location.Expand(file, server)
}

// DumpLocation maps a pushed file to its dump path relative to Cwd, or ""
// when dumping is disabled.
func (c *Config) DumpLocation(file, server string) string {
	return c.DumpFiles.Expand(file, server)
}

// Patterns returns the watch patterns.
func (c *Config) Patterns() []string {
	patterns := make([]string, len(c.Watch))
	for i, item := range c.Watch {
		patterns[i] = item.Pattern
	}
	return patterns
}
