package transform

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", rel, err)
	}
}

func TestTransform_TypeScript(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/lib/util.ts", "export function double(n: number): number { return n * 2; }\n")
	writeFile(t, root, "src/lib/index.ts", "export const name = 'lib';\n")
	writeFile(t, root, "src/main.ts", `import { double } from "./lib/util";
import { name } from "./lib";
import { sum } from "lodash";

export async function main(ns: any): Promise<void> {
	ns.tprint(double(2), name, sum([1]));
}
`)

	tr, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	got, err := tr.Transform(context.Background(), "src/main.ts")
	if err != nil {
		t.Fatalf("Transform() failed: %v", err)
	}

	for _, want := range []string{`"/src/lib/util.ts"`, `"/src/lib/index.ts"`, `"lodash"`, "async function main"} {
		if !strings.Contains(got.Code, want) {
			t.Errorf("Transformed code missing %s:\n%s", want, got.Code)
		}
	}
	if strings.Contains(got.Code, "Promise<void>") || strings.Contains(got.Code, "n: number") {
		t.Errorf("Type annotations not stripped:\n%s", got.Code)
	}
	if got.Map != "" {
		t.Error("Map should be empty without source maps")
	}
}

func TestTransform_JSImportOfTSSource(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.ts", "export const a = 1;\n")
	writeFile(t, root, "src/b.ts", "import { a } from './a.js';\nexport const b = a + 1;\n")

	tr, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	got, err := tr.Transform(context.Background(), "src/b.ts")
	if err != nil {
		t.Fatalf("Transform() failed: %v", err)
	}
	if !strings.Contains(got.Code, `"/src/a.ts"`) {
		t.Errorf("Expected import of /src/a.ts:\n%s", got.Code)
	}
}

func TestTransform_NotFound(t *testing.T) {
	tr, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := tr.Transform(context.Background(), "src/missing.ts"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Transform() error = %v, want ErrModuleNotFound", err)
	}
}

func TestTransform_SyntaxError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/bad.ts", "export const = ;\n")

	tr, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_, err = tr.Transform(context.Background(), "src/bad.ts")
	if err == nil {
		t.Fatal("Transform() should fail on a syntax error")
	}
	if errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Syntax error reported as not found: %v", err)
	}
}

func TestTransform_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.js", "export const a = 1;\n")

	tr, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Transform(ctx, "src/a.js"); !errors.Is(err, context.Canceled) {
		t.Errorf("Transform() error = %v, want context.Canceled", err)
	}
}

func TestTransform_SourceMap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.ts", "export const a: number = 1;\n")

	tr, err := New(Config{Root: root, SourceMap: true})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	got, err := tr.Transform(context.Background(), "src/a.ts")
	if err != nil {
		t.Fatalf("Transform() failed: %v", err)
	}
	if !strings.Contains(got.Map, `"mappings"`) {
		t.Errorf("Expected a source map, got %q", got.Map)
	}
	if strings.Contains(got.Code, "sourceMappingURL") {
		t.Errorf("External source map should not be linked from code:\n%s", got.Code)
	}

	inlined := AppendInlineSourceMap(got)
	if !strings.HasPrefix(inlined, got.Code) {
		t.Error("AppendInlineSourceMap() must keep the code as prefix")
	}
	if !strings.Contains(inlined, "\n//# sourceMappingURL=data:application/json;base64,") {
		t.Errorf("Missing inline source map comment:\n%s", inlined)
	}
}

func TestInlineSourceMap(t *testing.T) {
	if got := InlineSourceMap(""); got != "" {
		t.Errorf("InlineSourceMap(\"\") = %q, want empty", got)
	}

	comment := InlineSourceMap(`{"version":3}`)
	const prefix = "//# sourceMappingURL=data:application/json;base64,"
	if !strings.HasPrefix(comment, prefix) {
		t.Fatalf("InlineSourceMap() = %q", comment)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(comment, prefix))
	if err != nil {
		t.Fatalf("Invalid base64: %v", err)
	}
	if string(decoded) != `{"version":3}` {
		t.Errorf("Decoded map = %s", decoded)
	}

	r := &Result{Code: "let a = 1;"}
	if got := AppendInlineSourceMap(r); got != "let a = 1;" {
		t.Errorf("AppendInlineSourceMap() without map = %q", got)
	}
}
