package codemap

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/ignore"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
)

// maxDepth caps dependency recursion for both file and function trees.
const maxDepth = 10

// maxParseBytes skips pathological files from the index.
const maxParseBytes = 1 << 20

// DependencyNode is one node of a file or function dependency tree.
type DependencyNode struct {
	Name       string            `json:"name"`
	NodeType   string            `json:"node_type"` // "file" or "function"
	FullPath   string            `json:"full_path"`
	LineNumber int               `json:"line_number,omitempty"`
	IsCyclic   bool              `json:"is_cyclic,omitempty"`
	Functions  []string          `json:"functions,omitempty"`
	Children   []*DependencyNode `json:"children,omitempty"`
}

type fileEntry struct {
	relPath   string
	parser    LanguageParser
	text      string
	imports   []string // resolved repo-relative paths, in source order
	functions []Function
}

// Analyzer indexes one workspace checkout and answers dependency queries.
// The index is built lazily on first use and then reused; call Invalidate
// after the checkout is updated.
type Analyzer struct {
	root     string
	filter   *ignore.Filter
	registry *Registry

	mu        sync.Mutex
	built     bool
	files     map[string]*fileEntry // rel path -> entry
	funcIndex map[string][]string   // function name -> rel paths defining it
}

// NewAnalyzer creates an analyzer for the workspace rooted at root. A nil
// filter disables ignore handling beyond the built-in patterns.
func NewAnalyzer(root string, filter *ignore.Filter) *Analyzer {
	if filter == nil {
		filter = ignore.New()
	}
	return &Analyzer{root: root, filter: filter, registry: NewRegistry()}
}

// analyzers caches one Analyzer per workspace path for the process lifetime,
// so repeated tool calls over one checkout share an index.
var (
	analyzersMu sync.Mutex
	analyzers   = map[string]*Analyzer{}
)

// For returns the process-wide analyzer for a workspace path.
func For(root string, filter *ignore.Filter) *Analyzer {
	analyzersMu.Lock()
	defer analyzersMu.Unlock()
	if a, ok := analyzers[root]; ok {
		return a
	}
	a := NewAnalyzer(root, filter)
	analyzers[root] = a
	return a
}

// Invalidate drops the cached index so the next query re-scans the checkout.
func (a *Analyzer) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.built = false
	a.files = nil
	a.funcIndex = nil
}

func (a *Analyzer) ensureIndexed() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.built {
		return nil
	}
	a.files = map[string]*fileEntry{}
	a.funcIndex = map[string][]string{}

	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		rel, rerr := filepath.Rel(a.root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if a.filter.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if a.filter.Match(rel, false) {
			return nil
		}
		parser := a.registry.ForFile(rel)
		if parser == nil {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil && info.Size() > maxParseBytes {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		text := string(data)
		entry := &fileEntry{relPath: rel, parser: parser, text: text}
		for _, imp := range parser.ExtractImports(text) {
			if resolved := parser.ResolveImportPath(imp, rel, a.root); resolved != "" && resolved != rel {
				entry.imports = append(entry.imports, resolved)
			}
		}
		entry.functions = parser.ExtractFunctions(text)
		a.files[rel] = entry
		for _, fn := range entry.functions {
			a.funcIndex[fn.Name] = append(a.funcIndex[fn.Name], rel)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.CategoryFileSystem, errors.SeverityError, "index workspace")
	}
	a.built = true
	slog.Debug("Workspace indexed", logfields.Path(a.root), slog.Int("files", len(a.files)))
	return nil
}

// AnalyzeFile builds the import dependency tree rooted at a repo-relative
// file path. A file already on the current DFS path appears once more as a
// cyclic leaf and is not expanded further.
func (a *Analyzer) AnalyzeFile(relPath string) (*DependencyNode, error) {
	if err := a.ensureIndexed(); err != nil {
		return nil, err
	}
	relPath = filepath.ToSlash(filepath.Clean(relPath))
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.files[relPath]
	if !ok {
		return nil, errors.NotFoundError("file not indexed: " + relPath)
	}
	return a.fileNode(entry, map[string]bool{}, 0), nil
}

func (a *Analyzer) fileNode(entry *fileEntry, onPath map[string]bool, depth int) *DependencyNode {
	node := &DependencyNode{
		Name:     filepath.Base(entry.relPath),
		NodeType: "file",
		FullPath: entry.relPath,
	}
	for _, fn := range entry.functions {
		node.Functions = append(node.Functions, fn.Name)
	}
	if depth >= maxDepth {
		return node
	}
	onPath[entry.relPath] = true
	defer delete(onPath, entry.relPath)
	for _, imp := range entry.imports {
		child, ok := a.files[imp]
		if !ok {
			continue
		}
		if onPath[imp] {
			node.Children = append(node.Children, &DependencyNode{
				Name:     filepath.Base(imp),
				NodeType: "file",
				FullPath: imp,
				IsCyclic: true,
			})
			continue
		}
		node.Children = append(node.Children, a.fileNode(child, onPath, depth+1))
	}
	return node
}

// AnalyzeFunction builds the call dependency tree for a named function in a
// repo-relative file. Callees are resolved first in the defining file, then
// in its imports, then workspace-wide; a name defined in several files is
// ambiguous and becomes an unexpanded leaf per definition site.
func (a *Analyzer) AnalyzeFunction(relPath, functionName string) (*DependencyNode, error) {
	if err := a.ensureIndexed(); err != nil {
		return nil, err
	}
	relPath = filepath.ToSlash(filepath.Clean(relPath))
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.files[relPath]
	if !ok {
		return nil, errors.NotFoundError("file not indexed: " + relPath)
	}
	fn := findFunction(entry, functionName)
	if fn == nil {
		return nil, errors.NotFoundError("function not found: " + functionName + " in " + relPath)
	}
	return a.functionNode(entry, fn, map[string]bool{}, 0), nil
}

func findFunction(entry *fileEntry, name string) *Function {
	for i := range entry.functions {
		if entry.functions[i].Name == name {
			return &entry.functions[i]
		}
	}
	return nil
}

func (a *Analyzer) functionNode(entry *fileEntry, fn *Function, onPath map[string]bool, depth int) *DependencyNode {
	key := entry.relPath + "#" + fn.Name
	node := &DependencyNode{
		Name:       fn.Name,
		NodeType:   "function",
		FullPath:   entry.relPath,
		LineNumber: fn.Line,
	}
	if depth >= maxDepth {
		return node
	}
	onPath[key] = true
	defer delete(onPath, key)
	for _, callee := range entry.parser.ExtractFunctionCalls(fn.Body) {
		if callee == fn.Name && depth == 0 {
			// direct self-recursion: record once as cyclic
			node.Children = append(node.Children, &DependencyNode{
				Name: callee, NodeType: "function", FullPath: entry.relPath,
				LineNumber: fn.Line, IsCyclic: true,
			})
			continue
		}
		sites := a.definitionSites(entry, callee)
		if len(sites) == 0 {
			continue
		}
		if len(sites) > 1 {
			// Ambiguous name: leaf stubs only, one per definition site.
			sort.Strings(sites)
			for _, site := range sites {
				target := a.files[site]
				if calleeFn := findFunction(target, callee); calleeFn != nil {
					node.Children = append(node.Children, &DependencyNode{
						Name: callee, NodeType: "function", FullPath: site,
						LineNumber: calleeFn.Line,
					})
				}
			}
			continue
		}
		target := a.files[sites[0]]
		calleeFn := findFunction(target, callee)
		if calleeFn == nil {
			continue
		}
		calleeKey := sites[0] + "#" + callee
		if onPath[calleeKey] {
			node.Children = append(node.Children, &DependencyNode{
				Name: callee, NodeType: "function", FullPath: sites[0],
				LineNumber: calleeFn.Line, IsCyclic: true,
			})
			continue
		}
		node.Children = append(node.Children, a.functionNode(target, calleeFn, onPath, depth+1))
	}
	return node
}

// definitionSites resolves a callee name to the files defining it, preferring
// the calling file, then its imports, then the whole workspace.
func (a *Analyzer) definitionSites(from *fileEntry, name string) []string {
	if findFunction(from, name) != nil {
		return []string{from.relPath}
	}
	var inImports []string
	for _, imp := range from.imports {
		if target, ok := a.files[imp]; ok && findFunction(target, name) != nil {
			inImports = append(inImports, imp)
		}
	}
	if len(inImports) > 0 {
		return inImports
	}
	sites := a.funcIndex[name]
	if len(sites) == 0 {
		return nil
	}
	out := make([]string, len(sites))
	copy(out, sites)
	return out
}

// Files lists the indexed source files, sorted.
func (a *Analyzer) Files() ([]string, error) {
	if err := a.ensureIndexed(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	paths := make([]string, 0, len(a.files))
	for p := range a.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// FileSummary returns the functions and resolved imports of an indexed file,
// for tool responses that need structure without a full tree walk.
func (a *Analyzer) FileSummary(relPath string) (functions []string, imports []string, err error) {
	if err := a.ensureIndexed(); err != nil {
		return nil, nil, err
	}
	relPath = filepath.ToSlash(filepath.Clean(relPath))
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.files[relPath]
	if !ok {
		return nil, nil, errors.NotFoundError("file not indexed: " + relPath)
	}
	for _, fn := range entry.functions {
		functions = append(functions, fn.Name)
	}
	imports = append(imports, entry.imports...)
	return functions, imports, nil
}

// LanguageOf reports the language tag for a path, or "" when unsupported.
func (a *Analyzer) LanguageOf(relPath string) string {
	p := a.registry.ForFile(relPath)
	if p == nil {
		return ""
	}
	return p.Language()
}
