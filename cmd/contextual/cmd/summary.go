package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/contextual/internal/backend"
	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
	"github.com/Aman-CERP/contextual/internal/output"
)

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Read, write and refine file summaries",
		Long: `Work with the summaries the backend keeps for indexed files.

Commands:
  get       Show the stored summary
  generate  Have the backend write a fresh summary
  refine    Rewrite the stored summary following an instruction
  save      Store a summary you wrote`,
		Example: `  contextual summary get ./main.go
  contextual summary generate ./internal/server
  contextual summary refine ./main.go "make it shorter" --save
  echo "Entry point" | contextual summary save ./main.go -`,
	}

	cmd.AddCommand(newSummaryGetCmd())
	cmd.AddCommand(newSummaryGenerateCmd())
	cmd.AddCommand(newSummaryRefineCmd())
	cmd.AddCommand(newSummarySaveCmd())

	return cmd
}

func newSummaryGetCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Show the stored summary of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				summary, err := client.GetSummary(ctx, path)
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				if jsonOutput {
					return out.JSON(map[string]string{
						"path":    path,
						"summary": summary.Text,
						"source":  summary.Source,
					})
				}
				out.Line(summary.Text)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newSummaryGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <path>",
		Short: "Generate a fresh summary with the backend's model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				text, err := client.SummarizeFile(ctx, path)
				if err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Line(text)
				return nil
			})
		},
	}
}

func newSummaryRefineCmd() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "refine <path> <instruction>",
		Short: "Rewrite the stored summary following an instruction",
		Long: `Fetch the stored summary of a file, ask the backend to rewrite it
following the instruction, and print the result. With --save the result
replaces the stored summary.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			instruction := strings.Join(args[1:], " ")

			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				current, err := client.GetSummary(ctx, path)
				if err != nil {
					return err
				}
				refined, err := client.RefineSummary(ctx, current.Text, instruction)
				if err != nil {
					return err
				}

				out := output.New(cmd.OutOrStdout())
				out.Line(refined)
				if !save {
					return nil
				}
				if err := client.SaveSummary(ctx, path, refined); err != nil {
					return err
				}
				out.Success("Summary saved")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "Store the refined summary")
	return cmd
}

func newSummarySaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <path> <summary|->",
		Short: "Store a summary for a file",
		Long:  `Store a summary for a file. Pass "-" to read the summary from stdin.`,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			text, err := summaryText(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				if err := client.SaveSummary(ctx, path, text); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("Summary saved for %s", path)
				return nil
			})
		},
	}
}

func summaryText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read summary from stdin: %w", err)
		}
		args = []string{string(data)}
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return "", cxerrors.ValidationError("summary is empty", nil)
	}
	return text, nil
}
