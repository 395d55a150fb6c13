package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oriys/orbit/internal/config"
	"github.com/oriys/orbit/internal/processor"
	"github.com/oriys/orbit/internal/queue"
	"github.com/oriys/orbit/internal/workflow"
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow document",
		Long:  "Load a workflow document, resolve its templates and report validation errors, warnings and the planned step order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			doc, err := workflow.LoadDocumentFile(args[0])
			if err != nil {
				return err
			}

			m := queue.NewManager(queue.Config{})
			defer m.Close()
			eng, err := workflow.New(workflow.Config{
				Engine:        config.DefaultEngineConfig(),
				Queue:         m,
				Collaborators: processor.Collaborators{Documents: processor.Passthrough, AI: processor.Passthrough},
			})
			if err != nil {
				return err
			}
			defer eng.Close()

			out := cmd.OutOrStdout()
			reports := make(map[string]workflow.TestReport, len(doc.Workflows))
			invalid := 0
			for i := range doc.Workflows {
				def := &doc.Workflows[i]
				report := eng.TestWorkflow(def)
				reports[def.ID] = report
				if !report.Validation.Valid {
					invalid++
				}
				if asJSON {
					continue
				}
				state := "ok"
				if !report.Validation.Valid {
					state = "INVALID"
				}
				fmt.Fprintf(out, "%s: %s\n", def.ID, state)
				for _, e := range report.Validation.Errors {
					fmt.Fprintf(out, "  error:   %s\n", e)
				}
				for _, w := range report.Validation.Warnings {
					fmt.Fprintf(out, "  warning: %s\n", w)
				}
				if len(report.ExecutionOrder) > 0 {
					fmt.Fprintf(out, "  order:   %s\n", strings.Join(report.ExecutionOrder, " -> "))
				}
			}
			if asJSON {
				if err := printJSON(out, reports); err != nil {
					return err
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d workflows invalid", invalid, len(doc.Workflows))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print reports as JSON")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		workflowID string
		input      string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Import a workflow document and run one workflow to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Engine.DefaultTimeout = timeout
			}

			var in map[string]any
			if input != "" {
				if err := json.Unmarshal([]byte(input), &in); err != nil {
					return fmt.Errorf("invalid --input JSON: %w", err)
				}
			}

			doc, err := workflow.LoadDocumentFile(args[0])
			if err != nil {
				return err
			}
			if workflowID == "" {
				if len(doc.Workflows) != 1 {
					return fmt.Errorf("document has %d workflows; choose one with --workflow", len(doc.Workflows))
				}
				workflowID = doc.Workflows[0].ID
			}

			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.engine.ImportDocument(ctx, doc); err != nil {
				return err
			}
			exec, err := rt.engine.ExecuteWorkflowSync(ctx, workflowID, in, workflow.ExecuteOptions{})
			if exec != nil {
				if perr := printJSON(cmd.OutOrStdout(), exec); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "Workflow id (required when the document has several)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Execution input as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override the engine's default execution timeout")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored workflows as a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			m := queue.NewManager(queue.Config{})
			defer m.Close()
			eng, err := workflow.New(workflow.Config{Engine: cfg.Engine, Queue: m, Store: st})
			if err != nil {
				return err
			}
			defer eng.Close()

			doc, err := eng.ExportDocument(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return workflow.WriteDocument(w, doc, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format (yaml, json)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}
