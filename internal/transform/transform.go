// Package transform compiles TypeScript and JavaScript modules one file at a
// time with esbuild. Imports are not bundled: every local import is kept as
// a root-absolute reference ("/src/lib/util.ts") for the import rewriter to
// map onto the destination layout.
package transform

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ErrModuleNotFound is returned when the requested file does not exist.
var ErrModuleNotFound = errors.New("module not found")

// Result is a transformed module.
type Result struct {
	Code string
	// Map is the JSON source map, empty unless source maps are enabled.
	Map string
}

// Config configures a Transformer.
type Config struct {
	// Root is the project root; imports resolve relative to it.
	Root string
	// SourceMap requests a source map with every result.
	SourceMap bool
	// Target is the esbuild language target (default: ES2022).
	Target api.Target
	// Define replaces global identifiers at compile time.
	Define map[string]string
}

// Transformer runs esbuild on single modules.
type Transformer struct {
	root      string
	sourceMap bool
	target    api.Target
	define    map[string]string
}

// resolvableExtensions are tried in order for extensionless imports.
var resolvableExtensions = []string{".ts", ".tsx", ".mts", ".js", ".jsx", ".mjs"}

// New creates a Transformer.
func New(cfg Config) (*Transformer, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", cfg.Root, err)
	}
	if cfg.Target == 0 {
		cfg.Target = api.ES2022
	}
	return &Transformer{
		root:      root,
		sourceMap: cfg.SourceMap,
		target:    cfg.Target,
		define:    cfg.Define,
	}, nil
}

// Transform compiles file, a root-relative path.
func (t *Transformer) Transform(ctx context.Context, file string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	abs := filepath.Join(t.root, filepath.FromSlash(file))
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, file)
	}

	opts := api.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: t.root,
		Bundle:        true,
		Write:         false,
		Format:        api.FormatESModule,
		Platform:      api.PlatformNeutral,
		Target:        t.target,
		Define:        t.define,
		Outdir:        filepath.Join(t.root, ".burnsync-out"),
		LogLevel:      api.LogLevelSilent,
		Plugins:       []api.Plugin{t.externalize()},
	}
	if t.sourceMap {
		opts.Sourcemap = api.SourceMapExternal
		opts.SourcesContent = api.SourcesContentInclude
	}

	result := api.Build(opts)
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("failed to transform %s: %s", file, formatMessages(result.Errors))
	}

	out := &Result{}
	for _, f := range result.OutputFiles {
		if strings.HasSuffix(f.Path, ".map") {
			out.Map = string(f.Contents)
			continue
		}
		out.Code = string(f.Contents)
	}
	return out, nil
}

// externalize marks every import external. Local imports are rewritten to
// root-absolute paths of the file they resolve to; bare specifiers are kept.
func (t *Transformer) externalize() api.Plugin {
	return api.Plugin{
		Name: "burnsync-externalize",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Kind == api.ResolveEntryPoint {
					return api.OnResolveResult{}, nil
				}

				var target string
				switch {
				case strings.HasPrefix(args.Path, "/"):
					target = filepath.Join(t.root, filepath.FromSlash(args.Path))
				case strings.HasPrefix(args.Path, "./"), strings.HasPrefix(args.Path, "../"):
					target = filepath.Join(args.ResolveDir, filepath.FromSlash(args.Path))
				default:
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				}

				resolved := t.resolveFile(target)
				rel, err := filepath.Rel(t.root, resolved)
				if err != nil || strings.HasPrefix(rel, "..") {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				}
				return api.OnResolveResult{Path: "/" + filepath.ToSlash(rel), External: true}, nil
			})
		},
	}
}

// resolveFile finds the file an import refers to: the exact path, the path
// with a known extension, a .js import backed by a .ts source, or an index
// module. Unresolvable targets are returned unchanged.
func (t *Transformer) resolveFile(target string) string {
	if isFile(target) {
		return target
	}
	for _, ext := range resolvableExtensions {
		if isFile(target + ext) {
			return target + ext
		}
	}
	if ext := filepath.Ext(target); ext == ".js" || ext == ".jsx" || ext == ".mjs" {
		stem := strings.TrimSuffix(target, ext)
		for _, alt := range []string{".ts", ".tsx", ".mts"} {
			if isFile(stem + alt) {
				return stem + alt
			}
		}
	}
	for _, ext := range resolvableExtensions {
		index := filepath.Join(target, "index"+ext)
		if isFile(index) {
			return index
		}
	}
	return target
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func formatMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}

// InlineSourceMap returns the comment that embeds sourceMap as a base64 data
// URL, or "" for an empty map.
func InlineSourceMap(sourceMap string) string {
	if sourceMap == "" {
		return ""
	}
	return "//# sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(sourceMap))
}

// AppendInlineSourceMap appends the inline source map comment of r.Map to
// r.Code on its own line.
func AppendInlineSourceMap(r *Result) string {
	comment := InlineSourceMap(r.Map)
	if comment == "" {
		return r.Code
	}
	code := r.Code
	if code != "" && !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	return code + comment
}
