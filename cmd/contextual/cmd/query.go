package cmd

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/contextual/internal/backend"
	"github.com/Aman-CERP/contextual/internal/output"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the backend is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				start := time.Now()
				ack, err := client.Ping(ctx)
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				out.Successf("Backend is alive (%s)", time.Since(start).Round(time.Millisecond))
				if len(ack) > 0 && string(ack) != "null" {
					out.Status("", string(ack))
				}
				return nil
			})
		},
	}
}

func newSearchCmd() *cobra.Command {
	var (
		useAI      bool
		root       string
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed files",
		Long: `Search the backend index. Matches in snippets are highlighted on a
terminal; piped output keeps the backend's <b> markers.`,
		Example: `  contextual search auth handler
  contextual search --ai "where do we refresh tokens"
  contextual search --root ~/src/api --json config`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := backend.SearchParams{
				Query: strings.Join(args, " "),
				UseAI: useAI,
			}
			if root != "" {
				abs, err := filepath.Abs(root)
				if err != nil {
					return err
				}
				params.RootPath = abs
			}

			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				rows, err := client.Search(ctx, params)
				if err != nil {
					return err
				}
				if limit > 0 && len(rows) > limit {
					rows = rows[:limit]
				}
				return printRows(cmd, rows, jsonOutput, "No results")
			})
		},
	}

	cmd.Flags().BoolVar(&useAI, "ai", false, "Let the backend rewrite the query with its language model")
	cmd.Flags().StringVar(&root, "root", "", "Restrict results to one indexed folder")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n results (0 = all)")

	return cmd
}

func newListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "ls <path>",
		Aliases: []string{"list"},
		Short:   "List the indexed entries of a folder",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				rows, err := client.ListFolder(ctx, path)
				if err != nil {
					return err
				}
				return printRows(cmd, rows, jsonOutput, "Folder is empty or not indexed")
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newDetailsCmd() *cobra.Command {
	var (
		query      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "details <path>",
		Short: "Show extended metadata for a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				details, err := client.GetExpandedDetails(ctx, path, query)
				if err != nil {
					return err
				}

				out := output.New(cmd.OutOrStdout())
				if jsonOutput {
					return out.JSON(details)
				}
				out.Item(path, "")
				out.KeyValue("kind", details.Kind)
				out.KeyValue("tech stack", details.TechStack)
				out.KeyValue("created", rawText(details.Created))
				out.KeyValue("modified", rawText(details.Modified))
				if details.SearchContext != "" {
					out.Newline()
					out.Block(out.Highlight(details.SearchContext))
				}
				if folder := rawText(details.FolderDetails); folder != "" {
					out.Newline()
					out.Block(folder)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Explain the match against this query")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index <path>",
		Short: "Ask the backend to index a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				msg, err := client.IndexFolder(ctx, path)
				if err != nil {
					return err
				}
				if msg == "" {
					msg = "Indexing requested for " + path
				}
				output.New(cmd.OutOrStdout()).Success(msg)
				return nil
			})
		},
	}
}

func printRows(cmd *cobra.Command, rows []backend.FileRow, jsonOutput bool, empty string) error {
	out := output.New(cmd.OutOrStdout())
	if jsonOutput {
		if rows == nil {
			rows = []backend.FileRow{}
		}
		return out.JSON(rows)
	}
	if len(rows) == 0 {
		out.Status("", empty)
		return nil
	}

	for _, row := range rows {
		title := row.Path
		if row.IsFolder() {
			title += string(filepath.Separator)
		}
		var meta []string
		if row.TechStack != "" {
			meta = append(meta, row.TechStack)
		}
		if row.Size > 0 && !row.IsFolder() {
			meta = append(meta, output.HumanSize(row.Size))
		}
		if row.LastModified > 0 {
			meta = append(meta, time.Unix(int64(row.LastModified), 0).Format("2006-01-02"))
		}
		if len(meta) > 0 {
			title += "  (" + strings.Join(meta, ", ") + ")"
		}

		detail := row.Snippet
		if detail == "" {
			detail = row.Summary
		}
		out.Item(title, detail)
	}
	return nil
}

// rawText renders a raw JSON value for display: strings unquoted, anything
// else as compact JSON.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return time.Unix(int64(n), 0).Format(time.RFC3339)
	}
	return string(raw)
}
