// Package tools exposes the workspace to the model during generation:
// file metadata, bounded file reads, the compact tree, dependency analysis,
// and retrieval search. Every call records the files it touched so the
// generator can persist citations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/codewiki/internal/codemap"
	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/rag"
)

const (
	// readFilesLimit is the per-file size above which read_files refuses and
	// points the model at read_file_lines instead.
	readFilesLimit = 100 * 1024
	// maxLineLimit caps one read_file_lines window.
	maxLineLimit = 200
)

// oversizeSentinel is returned verbatim for files over the read_files limit.
const oversizeSentinel = "file exceeds the read_files size limit; use read_file_lines with offset and limit to page through it"

// Toolbox serves tool calls for one repository run.
type Toolbox struct {
	workspace    string
	repositoryID string
	tree         string
	analyzer     *codemap.Analyzer
	searcher     rag.Searcher
	recorder     *Recorder
}

// New builds a toolbox over a checkout. tree is the compact listing produced
// at clone time; searcher may be rag.Disabled{}.
func New(workspace, repositoryID, tree string, analyzer *codemap.Analyzer, searcher rag.Searcher) *Toolbox {
	if searcher == nil {
		searcher = rag.Disabled{}
	}
	return &Toolbox{
		workspace:    workspace,
		repositoryID: repositoryID,
		tree:         tree,
		analyzer:     analyzer,
		searcher:     searcher,
		recorder:     NewRecorder(),
	}
}

// Recorder exposes the touched-file recorder for the active section.
func (t *Toolbox) Recorder() *Recorder { return t.recorder }

// Definitions lists the tool catalog handed to the provider.
func (t *Toolbox) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "file_info",
			Description: "Return name, size, extension, total line count and modification time for each path.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"paths":{"type":"array","items":{"type":"string"}}},"required":["paths"]}`),
		},
		{
			Name:        "read_files",
			Description: "Return the full content of each path. Large files return an instruction to use read_file_lines instead.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"paths":{"type":"array","items":{"type":"string"}}},"required":["paths"]}`),
		},
		{
			Name:        "read_file_lines",
			Description: "Return line-numbered slices of files. offset is zero-based; limit caps at 200 lines.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"items":{"type":"array","items":{"type":"object","properties":{"path":{"type":"string"},"offset":{"type":"integer"},"limit":{"type":"integer"}},"required":["path"]}}},"required":["items"]}`),
		},
		{
			Name:        "get_tree",
			Description: "Return the compact directory listing of the repository.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "analyze_file_dependencies",
			Description: "Return the import dependency tree of a file as JSON.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		{
			Name:        "analyze_function_dependencies",
			Description: "Return the call dependency tree of a named function as JSON.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"function":{"type":"string"}},"required":["path","function"]}`),
		},
		{
			Name:        "search",
			Description: "Semantic search over the repository's indexed content.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"},"min_relevance":{"type":"number"}},"required":["query"]}`),
		},
	}
}

// Dispatch implements llm.ToolDispatcher.
func (t *Toolbox) Dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	switch call.Name {
	case "file_info":
		return t.fileInfo(call.Arguments)
	case "read_files":
		return t.readFiles(call.Arguments)
	case "read_file_lines":
		return t.readFileLines(call.Arguments)
	case "get_tree":
		return t.tree, nil
	case "analyze_file_dependencies":
		return t.analyzeFile(call.Arguments)
	case "analyze_function_dependencies":
		return t.analyzeFunction(call.Arguments)
	case "search":
		return t.search(ctx, call.Arguments)
	default:
		return "", errors.ValidationError("unknown tool: " + call.Name)
	}
}

type pathsArgs struct {
	Paths []string `json:"paths"`
}

type fileInfoEntry struct {
	Name       string `json:"name"`
	Size       int64  `json:"size,omitempty"`
	Extension  string `json:"extension,omitempty"`
	TotalLines int    `json:"total_lines,omitempty"`
	MTime      string `json:"mtime,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (t *Toolbox) fileInfo(args string) (string, error) {
	var in pathsArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", errors.ValidationError("file_info: bad arguments")
	}
	out := map[string]fileInfoEntry{}
	for _, p := range in.Paths {
		abs, ok := t.resolve(p)
		if !ok {
			out[p] = fileInfoEntry{Error: "not found"}
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			out[p] = fileInfoEntry{Error: "not found"}
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			out[p] = fileInfoEntry{Error: "not found"}
			continue
		}
		t.recorder.Touch(p, 0, 0)
		out[p] = fileInfoEntry{
			Name:       filepath.Base(p),
			Size:       info.Size(),
			Extension:  strings.TrimPrefix(filepath.Ext(p), "."),
			TotalLines: countLines(data),
			MTime:      info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	return marshal(out)
}

func (t *Toolbox) readFiles(args string) (string, error) {
	var in pathsArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", errors.ValidationError("read_files: bad arguments")
	}
	out := map[string]string{}
	for _, p := range in.Paths {
		abs, ok := t.resolve(p)
		if !ok {
			out[p] = "not found"
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			out[p] = "not found"
			continue
		}
		if info.Size() > readFilesLimit {
			out[p] = oversizeSentinel
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			out[p] = "not found"
			continue
		}
		t.recorder.Touch(p, 0, 0)
		out[p] = string(data)
	}
	return marshal(out)
}

type lineRequest struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type linesArgs struct {
	Items []lineRequest `json:"items"`
}

func (t *Toolbox) readFileLines(args string) (string, error) {
	var in linesArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", errors.ValidationError("read_file_lines: bad arguments")
	}
	var b strings.Builder
	for _, item := range in.Items {
		abs, ok := t.resolve(item.Path)
		if !ok {
			fmt.Fprintf(&b, "== %s ==\nnot found\n", item.Path)
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			fmt.Fprintf(&b, "== %s ==\nnot found\n", item.Path)
			continue
		}
		lines := strings.Split(string(data), "\n")
		offset := item.Offset
		if offset < 0 {
			offset = 0
		}
		limit := item.Limit
		if limit <= 0 || limit > maxLineLimit {
			limit = maxLineLimit
		}
		if offset >= len(lines) {
			fmt.Fprintf(&b, "== %s ==\noffset beyond end of file (%d lines)\n", item.Path, len(lines))
			continue
		}
		end := offset + limit
		if end > len(lines) {
			end = len(lines)
		}
		t.recorder.Touch(item.Path, offset+1, end)
		fmt.Fprintf(&b, "== %s ==\n", item.Path)
		for i := offset; i < end; i++ {
			fmt.Fprintf(&b, "%d: %s\n", i+1, lines[i])
		}
	}
	return b.String(), nil
}

type analyzeArgs struct {
	Path     string `json:"path"`
	Function string `json:"function"`
}

func (t *Toolbox) analyzeFile(args string) (string, error) {
	var in analyzeArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", errors.ValidationError("analyze_file_dependencies: bad arguments")
	}
	if t.analyzer == nil {
		return "", errors.ValidationError("dependency analysis is disabled")
	}
	tree, err := t.analyzer.AnalyzeFile(in.Path)
	if err != nil {
		return "", err
	}
	t.recorder.Touch(in.Path, 0, 0)
	return marshal(tree)
}

func (t *Toolbox) analyzeFunction(args string) (string, error) {
	var in analyzeArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", errors.ValidationError("analyze_function_dependencies: bad arguments")
	}
	if t.analyzer == nil {
		return "", errors.ValidationError("dependency analysis is disabled")
	}
	tree, err := t.analyzer.AnalyzeFunction(in.Path, in.Function)
	if err != nil {
		return "", err
	}
	t.recorder.Touch(in.Path, 0, 0)
	return marshal(tree)
}

type searchArgs struct {
	Query        string  `json:"query"`
	Limit        int     `json:"limit"`
	MinRelevance float64 `json:"min_relevance"`
}

func (t *Toolbox) search(ctx context.Context, args string) (string, error) {
	var in searchArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", errors.ValidationError("search: bad arguments")
	}
	if in.Limit <= 0 {
		in.Limit = 5
	}
	results, err := t.searcher.Search(ctx, t.repositoryID, in.Query, in.Limit, in.MinRelevance)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryRAG, errors.SeverityWarning, "search backend failed")
	}
	for _, r := range results {
		if r.FilePath != "" {
			t.recorder.Touch(r.FilePath, 0, 0)
		}
	}
	return marshal(results)
}

// resolve maps a repo-relative path inside the workspace, rejecting escapes.
func (t *Toolbox) resolve(rel string) (string, bool) {
	clean := filepath.Clean(filepath.Join(t.workspace, filepath.FromSlash(rel)))
	root := filepath.Clean(t.workspace)
	if clean != root && !strings.HasPrefix(clean, root+string(os.PathSeparator)) {
		return "", false
	}
	return clean, true
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "marshal tool result")
	}
	return string(data), nil
}
