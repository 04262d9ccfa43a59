// Package testutil provides helpers for enforcing package layering in tests.
// The domain, mutation and calibration packages are pure; only core and the
// adapters may reach storage, transport and blob backends.
package testutil

import (
	"go/parser"
	"go/token"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// AssertNoTransitiveDependency loads pattern with its full dependency graph
// and fails if any reachable package satisfies forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	roots, err := loadGraph(pattern)
	if err != nil {
		t.Fatalf("load %s: %v", pattern, err)
	}
	failIfViolations(t, "transitive dependency", reason, reachable(roots, forbidden))
}

// AssertImportersAllowed fails when a package matched by pattern, other than
// those satisfying allowed, directly imports a path satisfying target. Test
// variants are included.
func AssertImportersAllowed(t testing.TB, pattern string, target, allowed func(path string) bool, reason string) {
	t.Helper()
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		t.Fatalf("load %s: %v", pattern, err)
	}
	failIfViolations(t, "importers", reason, importerViolations(pkgs, target, allowed))
}

// AssertNoDirectImports scans the non-test .go files in dir and fails if any
// import satisfies forbidden. Subdirectories are not scanned.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfViolations(t, "direct imports", reason, viols)
}

// InternalImportForbidden matches any import path with an internal segment.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/")
}

// InfraImportForbidden matches the storage and blob driver packages.
func InfraImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/infra/") || strings.HasSuffix(path, "/internal/infra")
}

// AnyOf combines predicates.
func AnyOf(preds ...func(string) bool) func(string) bool {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}

// PrefixForbidden matches import paths equal to or under one of prefixes.
func PrefixForbidden(prefixes ...string) func(string) bool {
	return func(path string) bool {
		for _, p := range prefixes {
			if path == p || strings.HasPrefix(path, p+"/") {
				return true
			}
		}
		return false
	}
}

func loadGraph(pattern string) ([]*packages.Package, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	return packages.Load(cfg, pattern)
}

// reachable lists, sorted, every package in the import graph of roots that
// satisfies forbidden. Roots themselves are not checked.
func reachable(roots []*packages.Package, forbidden func(string) bool) []string {
	hits := make(map[string]bool)
	packages.Visit(roots, func(p *packages.Package) bool {
		for path := range p.Imports {
			if forbidden(path) {
				hits[path] = true
			}
		}
		return true
	}, nil)
	return slices.Sorted(maps.Keys(hits))
}

func importerViolations(pkgs []*packages.Package, target, allowed func(string) bool) []string {
	seen := make(map[string]bool)
	for _, p := range pkgs {
		if allowed(p.PkgPath) {
			continue
		}
		for path := range p.Imports {
			if target(path) {
				seen[p.PkgPath+" -> "+path] = true
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, kind, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden %s detected (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
	}
}
