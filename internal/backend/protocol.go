package backend

import (
	"encoding/json"
)

// Method names understood by the backend.
const (
	MethodPing               = "ping"
	MethodSearch             = "search"
	MethodListFolder         = "list_folder"
	MethodGetSummary         = "get_summary"
	MethodRefineSummary      = "refine_summary"
	MethodGetExpandedDetails = "get_expanded_details"
	MethodSaveSummary        = "save_summary"
	MethodSummarizeFile      = "summarize_file"
	MethodIndexFolder        = "index_folder"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"

	// statusSuccess is what older backends send instead of "ok".
	statusSuccess = "success"
)

// Request is one outbound frame.
type Request struct {
	// ID is the correlation id. Backends that echo it allow pipelining;
	// backends that ignore it are correlated by arrival order.
	ID     string         `json:"id,omitempty"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Response is one decoded inbound frame.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`

	// Source tells where a summary came from ("db" or "ai") when the backend reports it.
	Source string `json:"source,omitempty"`

	// Extra holds top-level fields outside the envelope. Some backend methods
	// return their payload this way instead of under "data".
	Extra map[string]json.RawMessage `json:"-"`
}

// OK reports whether the backend answered successfully.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// Result returns the payload of a successful response: Data when present,
// otherwise the extra top-level fields as a JSON object, otherwise nil.
func (r *Response) Result() json.RawMessage {
	if len(r.Data) > 0 && string(r.Data) != "null" {
		return r.Data
	}
	if len(r.Extra) == 0 {
		return nil
	}
	// Marshalling a map of raw messages cannot fail.
	data, _ := json.Marshal(r.Extra)
	return data
}

// MarshalJSON writes the envelope fields followed by Extra at the top level.
func (r Response) MarshalJSON() ([]byte, error) {
	type envelope Response
	data, err := json.Marshal(envelope(r))
	if err != nil || len(r.Extra) == 0 {
		return data, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// SearchParams are the parameters for the search method.
type SearchParams struct {
	// Query is the search text (required).
	Query string `json:"query"`

	// UseAI asks the backend to rewrite the query with its language model first.
	UseAI bool `json:"use_ai"`

	// RootPath restricts results to one indexed root (optional).
	RootPath string `json:"root_path,omitempty"`
}

// FileRow is one search or folder-listing result.
// Snippet is returned verbatim, including any <b> highlight markers.
type FileRow struct {
	Path         string  `json:"path"`
	Snippet      string  `json:"snippet,omitempty"`
	Kind         string  `json:"kind,omitempty"`
	Ext          string  `json:"ext,omitempty"`
	Summary      string  `json:"summary,omitempty"`
	TechStack    string  `json:"tech_stack,omitempty"`
	Size         int64   `json:"size,omitempty"`
	LastModified float64 `json:"last_modified,omitempty"`
	CreationTime float64 `json:"creation_time,omitempty"`
}

// IsFolder reports whether the row is a directory.
func (r FileRow) IsFolder() bool {
	return r.Kind == "folder"
}

// ExpandedDetails is the result of get_expanded_details.
type ExpandedDetails struct {
	TechStack     string          `json:"tech_stack"`
	SearchContext string          `json:"search_context"`
	Created       json.RawMessage `json:"created,omitempty"`
	Modified      json.RawMessage `json:"modified,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	FolderDetails json.RawMessage `json:"folder_details,omitempty"`
}
