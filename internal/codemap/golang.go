package codemap

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// GoParser handles .go files. Import paths resolve by matching the trailing
// path segments against directories in the repository, then picking a .go
// file named after the package directory (or the first one present).
type GoParser struct{}

var (
	goImportSingle = regexp.MustCompile(`(?m)^import\s+(?:\w+\s+)?"([^"]+)"`)
	goImportBlock  = regexp.MustCompile(`(?s)import\s*\((.*?)\)`)
	goImportLine   = regexp.MustCompile(`(?m)^\s*(?:\w+\s+)?"([^"]+)"`)
	goFunc         = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s+)?(\w+)\s*\(`)
)

func (p *GoParser) Language() string     { return "go" }
func (p *GoParser) Extensions() []string { return []string{".go"} }

func (p *GoParser) ExtractImports(text string) []string {
	var imports []string
	for _, m := range goImportSingle.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	for _, block := range goImportBlock.FindAllStringSubmatch(text, -1) {
		for _, m := range goImportLine.FindAllStringSubmatch(block[1], -1) {
			imports = append(imports, m[1])
		}
	}
	return imports
}

func (p *GoParser) ExtractFunctions(text string) []Function {
	var funcs []Function
	for _, m := range goFunc.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		funcs = append(funcs, Function{
			Name: name,
			Body: braceBody(text, m[1]),
			Line: strings.Count(text[:m[0]], "\n") + 1,
		})
	}
	return funcs
}

func (p *GoParser) ExtractFunctionCalls(body string) []string {
	return extractCalls(body)
}

func (p *GoParser) ResolveImportPath(imp, currentFile, repoRoot string) string {
	// Try progressively shorter suffixes of the import path as a directory
	// under the repository root. "example.com/mod/internal/x" matches
	// "internal/x" when that directory exists.
	segments := strings.Split(imp, "/")
	for i := 0; i < len(segments); i++ {
		dir := strings.Join(segments[i:], "/")
		abs := filepath.Join(repoRoot, filepath.FromSlash(dir))
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			continue
		}
		base := segments[len(segments)-1]
		if found := fileExists(repoRoot, dir+"/"+base+".go"); found != "" {
			return found
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".go") && !strings.HasSuffix(e.Name(), "_test.go") {
				return dir + "/" + e.Name()
			}
		}
	}
	return ""
}

func (p *GoParser) FunctionLine(text, name string) int {
	re := regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s+)?` + regexp.QuoteMeta(name) + `\s*\(`)
	return lineOf(text, re)
}
