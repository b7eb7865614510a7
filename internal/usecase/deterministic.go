package usecase

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// The deterministic pass needs no model: import statements and
// file-contains-POI facts are syntactic. Its evidence carries confidence
// 1.0 and the highest pass weight, so a deterministic sighting anchors
// the triangulation fold.

var importPatterns = []*regexp.Regexp{
	// JS/TS: import ... from 'x', require('x'), export ... from 'x'
	regexp.MustCompile(`(?m)^\s*(?:import|export)\b[^;\n]*?\bfrom\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?m)\brequire\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`(?m)^\s*import\s+['"]([^'"]+)['"]`),
	// Python: import x, from x import y. Anchored to line end so the
	// JS "import x from 'y'" form stays with the patterns above.
	regexp.MustCompile(`(?m)^\s*import\s+([A-Za-z_][\w.]*)\s*$`),
	regexp.MustCompile(`(?m)^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`),
	// Go: import "x" (single-line form)
	regexp.MustCompile(`(?m)^\s*import\s+(?:\w+\s+)?"([^"]+)"`),
}

// ScanImports returns the distinct import targets found in content, in
// order of first appearance.
func ScanImports(content string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			target := m[1]
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true
			out = append(out, target)
		}
	}
	return out
}

// ResolveImportTarget maps an import string to a qualified name. Relative
// imports resolve against the importing file's directory and match one of
// the run's file paths when possible; anything else is treated as an
// external module.
func ResolveImportTarget(filePath, target string, runFiles map[string]bool) string {
	if strings.HasPrefix(target, ".") {
		resolved := filepath.Clean(filepath.Join(filepath.Dir(filePath), target))
		for _, candidate := range expandExtensions(resolved) {
			if runFiles[candidate] {
				return domain.QualifiedName(candidate, filepath.Base(candidate))
			}
		}
		return domain.ModuleQualifiedName(target)
	}
	return domain.ModuleQualifiedName(target)
}

// expandExtensions tries the bare path first, then the extensions
// commonly dropped from import statements.
func expandExtensions(path string) []string {
	out := []string{path}
	if filepath.Ext(path) == "" {
		for _, ext := range []string{".js", ".ts", ".jsx", ".tsx", ".py", ".go", ".mjs", ".cjs"} {
			out = append(out, path+ext)
		}
		out = append(out, filepath.Join(path, "index.js"), filepath.Join(path, "index.ts"))
	}
	return out
}

// DeterministicFileCandidates derives the syntactic candidates for one
// analysed file: the file CONTAINS each of its POIs, and IMPORTS each
// scanned import target.
func DeterministicFileCandidates(runID, filePath, content string, pois []domain.POI, runFiles map[string]bool) []domain.RelationshipCandidate {
	fileQN := domain.QualifiedName(filePath, filepath.Base(filePath))
	var out []domain.RelationshipCandidate
	for _, p := range pois {
		if p.QualifiedName == fileQN {
			continue
		}
		c, err := domain.NewCandidate(runID, fileQN, p.QualifiedName, domain.RelContains, domain.PassDeterministic, 1.0, "file contains declaration")
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	for _, target := range ScanImports(content) {
		targetQN := ResolveImportTarget(filePath, target, runFiles)
		c, err := domain.NewCandidate(runID, fileQN, targetQN, domain.RelImports, domain.PassDeterministic, 1.0, "import statement")
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CrossFileNameMatches is the deterministic half of relationship
// resolution: a name declared in one file and referenced as a POI in
// another is strong evidence of a dependency between the two.
func CrossFileNameMatches(runID string, batch []domain.POI, all []domain.POI) []domain.RelationshipCandidate {
	byName := make(map[string][]domain.POI)
	for _, p := range all {
		if p.Type == domain.POIFile {
			continue
		}
		byName[p.Name] = append(byName[p.Name], p)
	}

	var out []domain.RelationshipCandidate
	seen := make(map[string]bool)
	for _, p := range batch {
		for _, other := range byName[p.Name] {
			if other.FileID == p.FileID {
				continue
			}
			c, err := domain.NewCandidate(runID, p.QualifiedName, other.QualifiedName, domain.RelDependsOn, domain.PassDeterministic, 0.9, "name declared in another file")
			if err != nil || seen[c.RelHash] {
				continue
			}
			seen[c.RelHash] = true
			out = append(out, c)
		}
	}
	return out
}
