// Package codemap builds file- and function-level dependency trees from
// regex-based per-language parsers. Parsers are deliberately best-effort:
// missing a multi-line construct is acceptable, crashing on one is not.
package codemap

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Function is a parsed function with its body and starting line.
type Function struct {
	Name string
	Body string
	Line int
}

// LanguageParser extracts structure from a single source language.
type LanguageParser interface {
	// Language returns a short tag, e.g. "python".
	Language() string
	// Extensions lists the file extensions handled (with dot, lowercase).
	Extensions() []string
	// ExtractImports returns raw import specifiers found in the text.
	ExtractImports(text string) []string
	// ExtractFunctions returns the functions defined in the text.
	ExtractFunctions(text string) []Function
	// ExtractFunctionCalls returns callee names referenced in a body.
	ExtractFunctionCalls(body string) []string
	// ResolveImportPath maps an import specifier to a repo-relative file
	// path, or "" when it cannot be resolved (stdlib, third-party, missing).
	ResolveImportPath(imp, currentFile, repoRoot string) string
	// FunctionLine returns the 1-based line a function is defined on, or 0.
	FunctionLine(text, name string) int
}

// callPattern matches identifier(, the shared heuristic for callee names.
var callPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// keywords that look like calls but never are.
var callKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "func": true, "def": true, "new": true, "typeof": true,
	"sizeof": true, "select": true, "defer": true, "go": true, "range": true,
	"make": true, "len": true, "cap": true, "append": true, "print": true,
	"println": true, "foreach": true, "using": true, "lock": true, "elif": true,
}

// extractCalls applies the shared call heuristic, deduplicating while keeping
// first-seen order.
func extractCalls(body string) []string {
	seen := map[string]bool{}
	var calls []string
	for _, m := range callPattern.FindAllStringSubmatch(body, -1) {
		name := m[1]
		if callKeywords[name] || seen[name] {
			continue
		}
		seen[name] = true
		calls = append(calls, name)
	}
	return calls
}

// lineOf returns the 1-based line of the first match of re in text, or 0.
func lineOf(text string, re *regexp.Regexp) int {
	loc := re.FindStringIndex(text)
	if loc == nil {
		return 0
	}
	return strings.Count(text[:loc[0]], "\n") + 1
}

// fileExists reports whether the repo-relative candidate exists as a file,
// returning the slash-normalised relative path when it does.
func fileExists(repoRoot, rel string) string {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	info, err := os.Stat(filepath.Join(repoRoot, filepath.FromSlash(rel)))
	if err != nil || info.IsDir() {
		return ""
	}
	return rel
}

// braceBody returns the brace-balanced body starting at the first '{' at or
// after offset. Best effort: braces inside strings are counted too.
func braceBody(text string, offset int) string {
	start := strings.IndexByte(text[offset:], '{')
	if start < 0 {
		return ""
	}
	start += offset
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start+1 : i]
			}
		}
	}
	return text[start+1:]
}

// Registry maps extensions to parsers.
type Registry struct {
	byExt map[string]LanguageParser
}

// NewRegistry wires up all built-in language parsers.
func NewRegistry() *Registry {
	r := &Registry{byExt: map[string]LanguageParser{}}
	for _, p := range []LanguageParser{
		&PythonParser{}, &GoParser{}, &JavaScriptParser{},
		&JavaParser{}, &CSharpParser{}, &CppParser{},
	} {
		for _, ext := range p.Extensions() {
			r.byExt[ext] = p
		}
	}
	return r
}

// ForFile returns the parser for a path, or nil for unsupported extensions.
func (r *Registry) ForFile(path string) LanguageParser {
	return r.byExt[strings.ToLower(filepath.Ext(path))]
}
