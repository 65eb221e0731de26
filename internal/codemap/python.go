package codemap

import (
	"path/filepath"
	"regexp"
	"strings"
)

// PythonParser handles .py files. Imports resolve module dotted paths against
// the repository layout, trying both package (__init__.py) and module forms.
type PythonParser struct{}

var (
	pyImport     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)`)
	pyFromImport = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\s`)
	pyDef        = regexp.MustCompile(`(?m)^(\s*)(?:async\s+)?def\s+(\w+)\s*\(`)
)

func (p *PythonParser) Language() string     { return "python" }
func (p *PythonParser) Extensions() []string { return []string{".py"} }

func (p *PythonParser) ExtractImports(text string) []string {
	var imports []string
	for _, m := range pyImport.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	for _, m := range pyFromImport.FindAllStringSubmatch(text, -1) {
		imports = append(imports, m[1])
	}
	return imports
}

func (p *PythonParser) ExtractFunctions(text string) []Function {
	matches := pyDef.FindAllStringSubmatchIndex(text, -1)
	var funcs []Function
	for i, m := range matches {
		indent := text[m[2]:m[3]]
		name := text[m[4]:m[5]]
		// Body runs until the next def at the same or lower indent, or EOF.
		end := len(text)
		for _, next := range matches[i+1:] {
			nextIndent := text[next[2]:next[3]]
			if len(nextIndent) <= len(indent) {
				end = next[0]
				break
			}
		}
		// Body excludes the signature line so the name itself does not
		// register as a call.
		body := text[m[0]:end]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = ""
		}
		funcs = append(funcs, Function{
			Name: name,
			Body: body,
			Line: strings.Count(text[:m[0]], "\n") + 1,
		})
	}
	return funcs
}

func (p *PythonParser) ExtractFunctionCalls(body string) []string {
	return extractCalls(body)
}

func (p *PythonParser) ResolveImportPath(imp, currentFile, repoRoot string) string {
	rel := strings.ReplaceAll(imp, ".", "/")
	currentDir := filepath.ToSlash(filepath.Dir(currentFile))
	candidates := []string{
		rel + ".py",
		rel + "/__init__.py",
	}
	if currentDir != "." {
		candidates = append(candidates,
			currentDir+"/"+rel+".py",
			currentDir+"/"+rel+"/__init__.py",
		)
	}
	for _, c := range candidates {
		if found := fileExists(repoRoot, c); found != "" {
			return found
		}
	}
	return ""
}

func (p *PythonParser) FunctionLine(text, name string) int {
	re := regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+` + regexp.QuoteMeta(name) + `\s*\(`)
	return lineOf(text, re)
}
