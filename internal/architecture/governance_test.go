package architecture_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "notebook-builder"

type layerRule struct {
	sourcePrefix string
	forbidden    []string
	hint         string
}

func pkgs(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = modulePath + "/" + n
	}
	return out
}

// Rules are matched by the first sourcePrefix that covers the package.
var architectureRules = []layerRule{
	{
		sourcePrefix: modulePath + "/internal/domain",
		forbidden:    pkgs("internal/service", "internal/db", "internal/app", "internal/bridge", "internal/worker", "internal/queue", "internal/middleware", "cmd", "pkg"),
		hint:         "domain may only import domain",
	},
	{
		sourcePrefix: modulePath + "/internal/service",
		forbidden:    pkgs("internal/db", "internal/app", "internal/bridge", "internal/worker", "internal/queue", "internal/middleware", "cmd", "pkg"),
		hint:         "the build pipeline depends on domain ports and adapters it is handed",
	},
	{
		sourcePrefix: modulePath + "/internal/db",
		forbidden:    pkgs("internal/service", "internal/app", "internal/bridge", "internal/worker", "internal/queue", "internal/middleware", "cmd", "pkg"),
		hint:         "db should depend on domain and db-local packages",
	},
	{
		sourcePrefix: modulePath + "/internal/queue",
		forbidden:    pkgs("internal/service", "internal/db", "internal/app", "internal/bridge", "internal/worker", "cmd", "pkg"),
		hint:         "queue carries domain messages only",
	},
	{
		sourcePrefix: modulePath + "/internal/worker",
		forbidden:    pkgs("internal/db", "internal/app", "internal/bridge", "internal/middleware", "cmd", "pkg"),
		hint:         "worker depends on queue, cancel and the build pipeline",
	},
	{
		sourcePrefix: modulePath + "/internal/bridge",
		forbidden:    pkgs("internal/db", "internal/app", "internal/worker", "cmd", "pkg"),
		hint:         "bridge depends on queue, middleware and domain repositories",
	},
	{
		sourcePrefix: modulePath + "/internal/middleware",
		forbidden:    pkgs("internal/service", "internal/db", "internal/app", "internal/bridge", "internal/worker", "internal/queue", "cmd", "pkg"),
		hint:         "middleware should depend on domain and config",
	},
	{
		sourcePrefix: modulePath + "/internal/app",
		forbidden:    pkgs("cmd", "pkg"),
		hint:         "app wires internal packages and is used by cmd",
	},
	{
		sourcePrefix: modulePath + "/pkg/buildctl",
		forbidden:    pkgs("internal/db", "internal/app", "internal/worker", "internal/service", "internal/queue", "cmd"),
		hint:         "the client speaks the bridge protocol only",
	},
}

// adapters talk to one external system each and stay below the pipeline.
var adapterPackages = []string{"cloud", "container", "storage", "notify", "source", "cancel", "metrics", "config"}

func init() {
	for _, name := range adapterPackages {
		architectureRules = append(architectureRules, layerRule{
			sourcePrefix: modulePath + "/internal/" + name,
			forbidden:    pkgs("internal/service", "internal/db", "internal/app", "internal/bridge", "internal/worker", "internal/queue", "internal/middleware", "cmd", "pkg"),
			hint:         "adapters depend on domain and config only",
		})
	}
}

func collectGoFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), "_") || d.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, filepath.ToSlash(path))
		}
		return nil
	})
	return files, err
}

func repoRootDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

func findRule(sourcePkg string) (layerRule, bool) {
	for _, rule := range architectureRules {
		if hasPathPrefix(sourcePkg, rule.sourcePrefix) {
			return rule, true
		}
	}
	return layerRule{}, false
}

func matchingForbiddenPrefix(importPath string, forbidden []string) string {
	for _, prefix := range forbidden {
		if hasPathPrefix(importPath, prefix) {
			return prefix
		}
	}
	return ""
}

func hasPathPrefix(value, prefix string) bool {
	return value == prefix || strings.HasPrefix(value, prefix+"/")
}

func packageImportPath(file string) string {
	return modulePath + "/" + filepath.ToSlash(filepath.Dir(relToRepoRoot(file)))
}

func isTestFile(path string) bool {
	return strings.HasSuffix(filepath.Base(path), "_test.go")
}

func parseImports(t *testing.T, file string) []string {
	t.Helper()

	parsed, err := parser.ParseFile(token.NewFileSet(), file, nil, parser.ImportsOnly)
	require.NoErrorf(t, err, "parse imports for %s", file)

	imports := make([]string, 0, len(parsed.Imports))
	for _, imp := range parsed.Imports {
		imports = append(imports, strings.Trim(imp.Path.Value, `"`))
	}
	return imports
}

func relToRepoRoot(path string) string {
	rel, err := filepath.Rel(repoRootDir(), path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func hasIntegrationBuildTag(path string) bool {
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(string(content), "//go:build integration")
}
