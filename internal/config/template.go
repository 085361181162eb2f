package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrExists is returned by WriteTemplate when the file already exists.
var ErrExists = errors.New("config file already exists")

type templateEntry struct {
	key     string
	value   any
	comment string
}

// starter lists the keys of a new config file, in file order.
var starter = []templateEntry{
	{"port", DefaultPort, "Port the game connects to."},
	{"timeout", int(DefaultTimeout.Milliseconds()), "Request timeout in milliseconds."},
	{"watch", []map[string]any{
		{"pattern": "src/**/*.{js,ts}", "transform": true},
		{"pattern": "src/**/*.{script,txt}", "transform": false},
	}, "Files to sync. location may be a server, {filename, server} or a list of both."},
	{"sourcemap", SourcemapInline, "inline embeds source maps into pushed scripts."},
	{"dts", DefaultDTS, "Where to store the game's type definitions; false disables it."},
	{"ignoreInitial", false, "Skip pushing every file on startup."},
	{"download", map[string]any{
		"server":          []string{"home"},
		"location":        DefaultDownloadLocation,
		"ignoreTs":        true,
		"ignoreSourcemap": true,
	}, "Used by the download command and the d key."},
	{"history", ".burnsync/history.db", "SQLite journal of sync outcomes; remove to disable."},
}

// Starter renders the starter config file.
func Starter() ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range starter {
		var value yaml.Node
		if err := value.Encode(e.value); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", e.key, err)
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: e.key, HeadComment: e.comment}
		doc.Content = append(doc.Content, key, &value)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{doc}}); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTemplate writes the starter config to dir/burnsync.yaml and returns
// its path. An existing file is only replaced with force.
func WriteTemplate(dir string, force bool) (string, error) {
	p := filepath.Join(dir, FileName+".yaml")
	if _, err := os.Stat(p); err == nil && !force {
		return p, fmt.Errorf("%w: %s", ErrExists, p)
	}

	data, err := Starter()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}
	return p, nil
}
