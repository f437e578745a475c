package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/coachpo/venuekit/internal/observability"
)

// Source is a compiled script ready to be instantiated.
type Source struct {
	Name    string
	Path    string
	Hash    string
	Program *goja.Program
}

// Compile parses source as a CommonJS-style script module.
func Compile(name, source string) (*Source, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("script: name required")
	}
	prog, err := goja.Compile(name+".js", source, true)
	if err != nil {
		return nil, fmt.Errorf("script %s: compile: %w", name, err)
	}
	sum := sha256.Sum256([]byte(source))
	return &Source{Name: name, Hash: hex.EncodeToString(sum[:]), Program: prog}, nil
}

// ReadDir compiles every .js file in root. Script names are file names
// without the extension.
func ReadDir(root string) ([]*Source, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("script loader: read directory %q: %w", root, err)
	}
	seen := make(map[string]struct{}, len(entries))
	out := make([]*Source, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		full := filepath.Join(root, entry.Name())
		// #nosec G304 -- full is built from os.ReadDir within root.
		raw, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("script loader: read %q: %w", full, err)
		}
		name := strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(entry.Name()), ".js"), ".mjs")
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("script loader: duplicate script name %q", name)
		}
		seen[name] = struct{}{}
		src, err := Compile(name, string(raw))
		if err != nil {
			return nil, err
		}
		src.Path = full
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

// runModule evaluates program with module/exports globals and returns the exports object.
func runModule(rt *goja.Runtime, program *goja.Program, script string) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, script)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return value.ToObject(rt), nil
}

func buildConsole(rt *goja.Runtime, script string) *goja.Object {
	console := rt.NewObject()
	emit := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fields := []observability.Field{
				{Key: "script", Value: script},
				{Key: "message", Value: joinArgs(call.Arguments)},
			}
			switch level {
			case "error":
				observability.Log().Error("script console", fields...)
			case "warn", "info":
				observability.Log().Info("script console", fields...)
			default:
				observability.Log().Debug("script console", fields...)
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit("log"))
	_ = console.Set("info", emit("info"))
	_ = console.Set("warn", emit("warn"))
	_ = console.Set("error", emit("error"))
	return console
}
