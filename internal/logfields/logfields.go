package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRepo       = "repository"
	KeyRepoID     = "repository_id"
	KeyBranch     = "branch"
	KeyStage      = "stage"
	KeyStatus     = "status"
	KeyNode       = "catalog_node"
	KeyModel      = "model"
	KeyProvider   = "provider"
	KeyTokens     = "tokens"
	KeyCommit     = "commit"
	KeyPath       = "path"
	KeyDurationMS = "duration_ms"
	KeySweep      = "sweep"
	KeyError      = "error"

	KeyMethod     = "method"
	KeyStatusCode = "status_code"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Repository(r string) slog.Attr    { return slog.String(KeyRepo, r) }
func RepositoryID(id string) slog.Attr { return slog.String(KeyRepoID, id) }
func Branch(b string) slog.Attr        { return slog.String(KeyBranch, b) }
func Stage(name string) slog.Attr      { return slog.String(KeyStage, name) }
func Status(s string) slog.Attr        { return slog.String(KeyStatus, s) }
func Node(title string) slog.Attr      { return slog.String(KeyNode, title) }
func Model(m string) slog.Attr         { return slog.String(KeyModel, m) }
func Provider(p string) slog.Attr      { return slog.String(KeyProvider, p) }
func Tokens(n int) slog.Attr           { return slog.Int(KeyTokens, n) }

// Commit truncates to the short hash; full hashes add noise without aiding grep.
func Commit(hash string) slog.Attr {
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return slog.String(KeyCommit, hash)
}

func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Sweep(name string) slog.Attr     { return slog.String(KeySweep, name) }

func Method(m string) slog.Attr     { return slog.String(KeyMethod, m) }
func StatusCode(c int) slog.Attr    { return slog.Int(KeyStatusCode, c) }
func UserAgent(ua string) slog.Attr { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr { return slog.String(KeyRemoteAddr, a) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
