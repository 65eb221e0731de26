package codemap

import (
	"regexp"
	"strings"
)

// CSharpParser handles .cs files. C# using directives name namespaces rather
// than files, so imports resolve by trying the final namespace segment as a
// file name; cross-file function lookup otherwise falls back to the
// workspace-wide function index maintained by the analyzer.
type CSharpParser struct{}

var (
	csUsing  = regexp.MustCompile(`(?m)^using\s+(?:static\s+)?([\w.]+)\s*;`)
	csMethod = regexp.MustCompile(`(?m)^\s*(?:public|private|protected|internal)\s+(?:static\s+)?(?:async\s+)?(?:virtual\s+|override\s+|sealed\s+)?[\w<>\[\],?\s]+?\s+(\w+)\s*\([^)]*\)\s*\{`)
)

func (p *CSharpParser) Language() string     { return "csharp" }
func (p *CSharpParser) Extensions() []string { return []string{".cs"} }

func (p *CSharpParser) ExtractImports(text string) []string {
	var imports []string
	for _, m := range csUsing.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	return imports
}

func (p *CSharpParser) ExtractFunctions(text string) []Function {
	var funcs []Function
	for _, m := range csMethod.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		if callKeywords[name] {
			continue
		}
		funcs = append(funcs, Function{
			Name: name,
			Body: braceBody(text, m[0]),
			Line: strings.Count(text[:m[0]], "\n") + 1,
		})
	}
	return funcs
}

func (p *CSharpParser) ExtractFunctionCalls(body string) []string {
	return extractCalls(body)
}

func (p *CSharpParser) ResolveImportPath(imp, currentFile, repoRoot string) string {
	segments := strings.Split(imp, ".")
	last := segments[len(segments)-1]
	candidates := []string{
		strings.Join(segments, "/") + ".cs",
		last + ".cs",
		"src/" + last + ".cs",
	}
	for _, c := range candidates {
		if found := fileExists(repoRoot, c); found != "" {
			return found
		}
	}
	return ""
}

func (p *CSharpParser) FunctionLine(text, name string) int {
	re := regexp.MustCompile(`(?m)[\w>\]?]\s+` + regexp.QuoteMeta(name) + `\s*\([^)]*\)\s*\{`)
	return lineOf(text, re)
}
