package codemap

import (
	"path/filepath"
	"regexp"
	"strings"
)

// CppParser handles C and C++ sources and headers. Quoted includes resolve
// relative to the including file, then against common include roots.
type CppParser struct{}

var (
	cppInclude = regexp.MustCompile(`(?m)^\s*#include\s+"([^"]+)"`)
	cppFunc    = regexp.MustCompile(`(?m)^[\w:<>*&\s]+?\b(\w+)\s*\([^;{]*\)\s*(?:const\s*)?\{`)
)

var cppIncludeRoots = []string{"", "include", "src"}

func (p *CppParser) Language() string { return "cpp" }
func (p *CppParser) Extensions() []string {
	return []string{".c", ".cc", ".cpp", ".cxx", ".h", ".hh", ".hpp"}
}

func (p *CppParser) ExtractImports(text string) []string {
	var imports []string
	for _, m := range cppInclude.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	return imports
}

func (p *CppParser) ExtractFunctions(text string) []Function {
	var funcs []Function
	seen := map[string]bool{}
	for _, m := range cppFunc.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		if callKeywords[name] || seen[name] {
			continue
		}
		seen[name] = true
		funcs = append(funcs, Function{
			Name: name,
			Body: braceBody(text, m[0]),
			Line: strings.Count(text[:m[0]], "\n") + 1,
		})
	}
	return funcs
}

func (p *CppParser) ExtractFunctionCalls(body string) []string {
	return extractCalls(body)
}

func (p *CppParser) ResolveImportPath(imp, currentFile, repoRoot string) string {
	currentDir := filepath.ToSlash(filepath.Dir(currentFile))
	if found := fileExists(repoRoot, currentDir+"/"+imp); found != "" {
		return found
	}
	for _, root := range cppIncludeRoots {
		candidate := imp
		if root != "" {
			candidate = root + "/" + imp
		}
		if found := fileExists(repoRoot, candidate); found != "" {
			return found
		}
	}
	return ""
}

func (p *CppParser) FunctionLine(text, name string) int {
	re := regexp.MustCompile(`(?m)\b` + regexp.QuoteMeta(name) + `\s*\([^;{]*\)\s*(?:const\s*)?\{`)
	return lineOf(text, re)
}
