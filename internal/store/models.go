package store

import "time"

// Status is the repository lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCloning    Status = "CLONING"
	StatusCloned     Status = "CLONED"
	StatusClassified Status = "CLASSIFIED"
	StatusOutlined   Status = "OUTLINED"
	StatusGenerating Status = "GENERATING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// InFlight reports whether a status belongs to an active pipeline run.
func (s Status) InFlight() bool {
	switch s {
	case StatusCloning, StatusCloned, StatusClassified, StatusOutlined, StatusGenerating:
		return true
	}
	return false
}

// Terminal reports whether no further pipeline work is scheduled for the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Repository is the primary aggregate.
type Repository struct {
	ID             string    `json:"id"`
	Organization   string    `json:"organization"`
	Name           string    `json:"name"`
	Branch         string    `json:"branch"`
	Address        string    `json:"address"`
	Username       string    `json:"-"`
	Token          string    `json:"-"`
	Status         Status    `json:"status"`
	Version        string    `json:"version"` // last processed commit hash
	Error          string    `json:"error,omitempty"`
	Prompt         string    `json:"prompt,omitempty"` // user override appended to planning
	Classification string    `json:"classification,omitempty"`
	DirectoryTree  string    `json:"-"` // optimised listing captured at clone time
	Recommended    bool      `json:"recommended"`
	Views          int64     `json:"views"`
	FailureCount   int       `json:"failure_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Document is the repository-level generated artifact: overview text,
// description, mini-map and progress counters.
type Document struct {
	ID             string    `json:"id"`
	RepositoryID   string    `json:"repository_id"`
	Overview       string    `json:"overview"`
	Description    string    `json:"description,omitempty"`
	Minimap        string    `json:"minimap,omitempty"` // JSON {title,url,children}
	TotalNodes     int       `json:"total_nodes"`
	CompletedNodes int       `json:"completed_nodes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CatalogNode is one element of the planned documentation forest.
type CatalogNode struct {
	ID             string    `json:"id"`
	RepositoryID   string    `json:"repository_id"`
	ParentID       string    `json:"parent_id,omitempty"`
	Title          string    `json:"title"`
	Slug           string    `json:"slug"`
	Prompt         string    `json:"prompt,omitempty"`
	OrderIndex     int       `json:"order_index"`
	DependentFiles []string  `json:"dependent_files,omitempty"`
	IsCompleted    bool      `json:"is_completed"`
	IsDeleted      bool      `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FileItem is the generated markdown for one catalog leaf.
type FileItem struct {
	ID             string    `json:"id"`
	RepositoryID   string    `json:"repository_id"`
	CatalogNodeID  string    `json:"catalog_node_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	RequestTokens  int       `json:"request_tokens"`
	ResponseTokens int       `json:"response_tokens"`
	Size           int       `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FileItemSource cites a workspace file consulted while generating an item.
type FileItemSource struct {
	ID         string `json:"id"`
	FileItemID string `json:"file_item_id"`
	FilePath   string `json:"file_path"`
	LineStart  int    `json:"line_start,omitempty"`
	LineEnd    int    `json:"line_end,omitempty"`
}

// CommitRecord is one changelog entry recorded during updates.
type CommitRecord struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Hash         string    `json:"hash"`
	Author       string    `json:"author"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event is an audit record of a pipeline transition or notable action.
type Event struct {
	ID           int64             `json:"id"`
	RepositoryID string            `json:"repository_id"`
	EventType    string            `json:"event_type"`
	Timestamp    time.Time         `json:"timestamp"`
	Payload      []byte            `json:"payload,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
