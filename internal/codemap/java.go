package codemap

import (
	"regexp"
	"strings"
)

// JavaParser handles .java files. Imports resolve against the conventional
// source roots (src/main/java, src, repository root).
type JavaParser struct{}

var (
	javaImport = regexp.MustCompile(`(?m)^import\s+(?:static\s+)?([\w.]+)\s*;`)
	javaMethod = regexp.MustCompile(`(?m)^\s*(?:public|private|protected)\s+(?:static\s+)?(?:final\s+)?[\w<>\[\],\s]+?\s+(\w+)\s*\([^)]*\)\s*(?:throws\s+[\w.,\s]+)?\{`)
)

var javaSourceRoots = []string{"src/main/java", "src", ""}

func (p *JavaParser) Language() string     { return "java" }
func (p *JavaParser) Extensions() []string { return []string{".java"} }

func (p *JavaParser) ExtractImports(text string) []string {
	var imports []string
	for _, m := range javaImport.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	return imports
}

func (p *JavaParser) ExtractFunctions(text string) []Function {
	var funcs []Function
	for _, m := range javaMethod.FindAllStringSubmatchIndex(text, -1) {
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

func (p *JavaParser) ExtractFunctionCalls(body string) []string {
	return extractCalls(body)
}

func (p *JavaParser) ResolveImportPath(imp, currentFile, repoRoot string) string {
	// a.b.C and a.b.C.* both map to a/b/C.java; wildcard imports drop the star.
	imp = strings.TrimSuffix(imp, ".*")
	rel := strings.ReplaceAll(imp, ".", "/") + ".java"
	for _, root := range javaSourceRoots {
		candidate := rel
		if root != "" {
			candidate = root + "/" + rel
		}
		if found := fileExists(repoRoot, candidate); found != "" {
			return found
		}
	}
	return ""
}

func (p *JavaParser) FunctionLine(text, name string) int {
	re := regexp.MustCompile(`(?m)[\w>\]]\s+` + regexp.QuoteMeta(name) + `\s*\([^)]*\)\s*(?:throws\s+[\w.,\s]+)?\{`)
	return lineOf(text, re)
}
