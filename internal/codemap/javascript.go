package codemap

import (
	"path/filepath"
	"regexp"
	"strings"
)

// JavaScriptParser handles JS and TS sources. Only relative imports resolve;
// bare specifiers are treated as external packages.
type JavaScriptParser struct{}

var (
	jsImportFrom = regexp.MustCompile(`(?m)import\s+(?:[\w${},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsRequire    = regexp.MustCompile(`require\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	jsFunction   = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s+(\w+)\s*\(`)
	jsArrow      = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?(?:\([^)]*\)|\w+)\s*=>`)
	jsMethod     = regexp.MustCompile(`(?m)^\s{2,}(?:async\s+)?(\w+)\s*\([^)]*\)\s*\{`)
)

var jsResolveExts = []string{".js", ".ts", ".jsx", ".tsx", ".mjs"}

func (p *JavaScriptParser) Language() string { return "javascript" }
func (p *JavaScriptParser) Extensions() []string {
	return []string{".js", ".ts", ".jsx", ".tsx", ".mjs"}
}

func (p *JavaScriptParser) ExtractImports(text string) []string {
	var imports []string
	for _, m := range jsImportFrom.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	for _, m := range jsRequire.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	return imports
}

func (p *JavaScriptParser) ExtractFunctions(text string) []Function {
	var funcs []Function
	seen := map[string]bool{}
	for _, re := range []*regexp.Regexp{jsFunction, jsArrow, jsMethod} {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			name := text[m[2]:m[3]]
			if seen[name] || callKeywords[name] {
				continue
			}
			seen[name] = true
			funcs = append(funcs, Function{
				Name: name,
				Body: braceBody(text, m[1]),
				Line: strings.Count(text[:m[0]], "\n") + 1,
			})
		}
	}
	return funcs
}

func (p *JavaScriptParser) ExtractFunctionCalls(body string) []string {
	return extractCalls(body)
}

func (p *JavaScriptParser) ResolveImportPath(imp, currentFile, repoRoot string) string {
	if !strings.HasPrefix(imp, ".") {
		return ""
	}
	base := filepath.ToSlash(filepath.Join(filepath.Dir(currentFile), imp))
	if found := fileExists(repoRoot, base); found != "" {
		return found
	}
	for _, ext := range jsResolveExts {
		if found := fileExists(repoRoot, base+ext); found != "" {
			return found
		}
	}
	for _, ext := range jsResolveExts {
		if found := fileExists(repoRoot, base+"/index"+ext); found != "" {
			return found
		}
	}
	return ""
}

func (p *JavaScriptParser) FunctionLine(text, name string) int {
	q := regexp.QuoteMeta(name)
	for _, pat := range []string{
		`(?m)function\s+` + q + `\s*\(`,
		`(?m)(?:const|let|var)\s+` + q + `\s*=`,
		`(?m)^\s+(?:async\s+)?` + q + `\s*\(`,
	} {
		if line := lineOf(text, regexp.MustCompile(pat)); line > 0 {
			return line
		}
	}
	return 0
}
