package backend

import (
	"context"
	"encoding/json"
	"fmt"

	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
)

// Ping checks that the backend is alive and returns its acknowledgement.
func (c *Client) Ping(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, MethodPing, nil)
}

// Search runs a query against the backend index. Result snippets keep the
// backend's <b> highlight markers.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]FileRow, error) {
	p := map[string]any{
		"query":  params.Query,
		"use_ai": params.UseAI,
	}
	if params.RootPath != "" {
		p["root_path"] = params.RootPath
	}

	raw, err := c.Call(ctx, MethodSearch, p)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]FileRow](MethodSearch, raw)
}

// ListFolder returns the indexed entries directly under path.
func (c *Client) ListFolder(ctx context.Context, path string) ([]FileRow, error) {
	if path == "" {
		return nil, cxerrors.ValidationError("path is required", nil)
	}
	raw, err := c.Call(ctx, MethodListFolder, map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	return decodeResult[[]FileRow](MethodListFolder, raw)
}

// Summary is a file summary and where the backend got it from.
type Summary struct {
	Text string
	// Source is "db", "ai", "cache", or empty when the backend does not say.
	Source string
}

// GetSummary returns the stored summary for path, serving repeats from the
// client-side cache.
func (c *Client) GetSummary(ctx context.Context, path string) (Summary, error) {
	if path == "" {
		return Summary{}, cxerrors.ValidationError("path is required", nil)
	}
	if c.summaries != nil {
		if text, ok := c.summaries.Get(path); ok {
			return Summary{Text: text, Source: "cache"}, nil
		}
	}

	resp, err := c.do(ctx, MethodGetSummary, map[string]any{"path": path})
	if err != nil {
		return Summary{}, err
	}
	text, err := decodeResult[string](MethodGetSummary, resp.Result())
	if err != nil {
		return Summary{}, err
	}

	c.cacheSummary(path, text)
	return Summary{Text: text, Source: resp.Source}, nil
}

// RefineSummary asks the backend to rewrite currentSummary following
// instruction. The result is not saved; use SaveSummary for that.
func (c *Client) RefineSummary(ctx context.Context, currentSummary, instruction string) (string, error) {
	raw, err := c.Call(ctx, MethodRefineSummary, map[string]any{
		"current_summary": currentSummary,
		"instruction":     instruction,
	})
	if err != nil {
		return "", err
	}
	return decodeResult[string](MethodRefineSummary, raw)
}

// GetExpandedDetails returns extended metadata for path. query, when set,
// lets the backend explain why the file matched.
func (c *Client) GetExpandedDetails(ctx context.Context, path, query string) (*ExpandedDetails, error) {
	if path == "" {
		return nil, cxerrors.ValidationError("path is required", nil)
	}
	raw, err := c.Call(ctx, MethodGetExpandedDetails, map[string]any{
		"path":  path,
		"query": query,
	})
	if err != nil {
		return nil, err
	}
	details, err := decodeResult[ExpandedDetails](MethodGetExpandedDetails, raw)
	if err != nil {
		return nil, err
	}
	return &details, nil
}

// SaveSummary stores summary as the summary of path.
func (c *Client) SaveSummary(ctx context.Context, path, summary string) error {
	if path == "" {
		return cxerrors.ValidationError("path is required", nil)
	}
	if _, err := c.Call(ctx, MethodSaveSummary, map[string]any{
		"path":    path,
		"summary": summary,
	}); err != nil {
		return err
	}
	c.cacheSummary(path, summary)
	return nil
}

// SummarizeFile has the backend generate a fresh summary for path.
func (c *Client) SummarizeFile(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", cxerrors.ValidationError("path is required", nil)
	}
	raw, err := c.Call(ctx, MethodSummarizeFile, map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	text, err := decodeResult[string](MethodSummarizeFile, raw)
	if err != nil {
		return "", err
	}
	c.cacheSummary(path, text)
	return text, nil
}

// IndexFolder asks the backend to (re)index path and returns its message.
func (c *Client) IndexFolder(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", cxerrors.ValidationError("path is required", nil)
	}
	resp, err := c.do(ctx, MethodIndexFolder, map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) cacheSummary(path, text string) {
	if c.summaries != nil {
		c.summaries.Add(path, text)
	}
}

// decodeResult unmarshals a payload. A missing payload yields the zero value.
func decodeResult[T any](method string, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, cxerrors.MalformedResponse(fmt.Sprintf("unexpected %s result", method), err)
	}
	return v, nil
}
