// Package ignore compiles gitignore-style rules for filtering repository
// walks. Matching is precedence-ordered: later rules override earlier ones,
// and negated rules re-include previously excluded paths.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Built-in excludes applied before any user or discovered rules.
var builtinPatterns = []string{
	".git/",
	".svn/",
	".hg/",
	"node_modules/",
	"__pycache__/",
	".vscode/",
	".idea/",
	".DS_Store",
	"Thumbs.db",
	"*.pyc",
	"*.pyo",
	"dist/",
	"build/",
	"vendor/",
	"target/",
	"bin/",
	"obj/",
}

// Rule is a single compiled ignore pattern.
type Rule struct {
	Pattern  string // original text, for diagnostics
	Negated  bool   // "!" prefix re-includes matches
	DirOnly  bool   // trailing "/" matches directories only
	Anchored bool   // leading "/" (or embedded "/") anchors to the root
	re       *regexp.Regexp
}

// Filter is an ordered list of rules.
type Filter struct {
	rules []Rule
}

// New builds a filter from the built-in excludes plus the given user rules.
func New(userRules ...string) *Filter {
	f := &Filter{}
	for _, p := range builtinPatterns {
		f.add(p)
	}
	for _, p := range userRules {
		f.add(p)
	}
	return f
}

// LoadRepository extends the filter with rules discovered in the repository
// root: .gitignore and .ignore files. Missing files are fine.
func (f *Filter) LoadRepository(root string) {
	for _, name := range []string{".gitignore", ".ignore"} {
		path := filepath.Join(root, name)
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			f.add(scanner.Text())
		}
		_ = file.Close()
	}
}

// add parses one pattern line and appends the compiled rule. Blank lines and
// comments are dropped.
func (f *Filter) add(line string) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	r := Rule{Pattern: line}
	if strings.HasPrefix(line, "!") {
		r.Negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.DirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.Anchored = true
		line = line[1:]
	} else if strings.Contains(line, "/") {
		// gitignore semantics: a slash anywhere anchors the pattern
		r.Anchored = true
	}
	re, err := compileGlob(line, r.Anchored)
	if err != nil {
		return // malformed pattern, skip
	}
	r.re = re
	f.rules = append(f.rules, r)
}

// compileGlob converts a gitignore glob into a regexp over slash-separated
// relative paths. "**" crosses directories, "*" and "?" do not.
func compileGlob(pattern string, anchored bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if anchored {
		b.WriteString("^")
	} else {
		b.WriteString("(^|/)")
	}
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					// "**/" also matches zero directories
					b.WriteString("(.*/)?")
					i += 2
				} else {
					b.WriteString(".*")
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
		i++
	}
	b.WriteString("(/|$)")
	return regexp.Compile(b.String())
}

// Match reports whether the slash-separated relative path should be ignored.
// isDir selects whether directory-only rules apply.
func (f *Filter) Match(relPath string, isDir bool) bool {
	relPath = strings.Trim(filepath.ToSlash(relPath), "/")
	if relPath == "" {
		return false
	}
	ignored := false
	for _, r := range f.rules {
		if r.DirOnly && !isDir {
			// A dir-only rule still covers files under a matched directory;
			// the walk prunes those before they reach Match.
			continue
		}
		if r.re.MatchString(relPath) {
			ignored = !r.Negated
		}
	}
	return ignored
}

// Len returns the number of compiled rules (used by tests).
func (f *Filter) Len() int { return len(f.rules) }
