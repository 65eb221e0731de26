// Package rag defines the retrieval collaborator consumed by the tool
// surface. The pipeline itself does not embed or index anything; an external
// service does, behind this interface.
package rag

import "context"

// Result is one retrieved chunk.
type Result struct {
	FilePath  string  `json:"file_path"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}

// Searcher answers semantic queries over a repository's indexed content.
type Searcher interface {
	Search(ctx context.Context, repositoryID, query string, limit int, minRelevance float64) ([]Result, error)
}

// Disabled is the no-op searcher used when no retrieval backend is
// configured. It returns no results rather than an error so generation
// proceeds without citations from search.
type Disabled struct{}

func (Disabled) Search(context.Context, string, string, int, float64) ([]Result, error) {
	return nil, nil
}
