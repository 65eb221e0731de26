package tools

import (
	"sort"
	"sync"

	"git.home.luguber.info/inful/codewiki/internal/store"
)

// Recorder accumulates which files (and line ranges) the model consulted
// while generating one section. The result seeds FileItemSource rows.
type Recorder struct {
	mu      sync.Mutex
	touched map[string]*span
}

type span struct {
	start, end int
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{touched: map[string]*span{}}
}

// Touch records a file access. A zero start/end means the whole file; ranges
// widen to cover every access of the same file.
func (r *Recorder) Touch(path string, lineStart, lineEnd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.touched[path]
	if !ok {
		r.touched[path] = &span{start: lineStart, end: lineEnd}
		return
	}
	if lineStart == 0 || existing.start == 0 {
		existing.start, existing.end = 0, 0
		return
	}
	if lineStart < existing.start {
		existing.start = lineStart
	}
	if lineEnd > existing.end {
		existing.end = lineEnd
	}
}

// Sources returns the accumulated citations, sorted by path.
func (r *Recorder) Sources() []store.FileItemSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.touched))
	for p := range r.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]store.FileItemSource, 0, len(paths))
	for _, p := range paths {
		sp := r.touched[p]
		out = append(out, store.FileItemSource{FilePath: p, LineStart: sp.start, LineEnd: sp.end})
	}
	return out
}

// Reset clears the recorder between sections.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = map[string]*span{}
}
