package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/toolflow/internal/diagram"
	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/internal/panel"
	"github.com/rendis/toolflow/internal/workflows"
	"github.com/rendis/toolflow/pkg/mcp"
	"github.com/rendis/toolflow/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

// setup loads the configuration for cmd and builds the app. Logs always go
// to stderr: stdout belongs to the stdio transport and to command output.
func setup(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts.configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	return newApp(cfg, logger)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server, panel and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("transport", transportStdio, "MCP transport: stdio or sse")
	f.String("sse-addr", ":8080", "listen address of the MCP SSE transport")
	f.String("panel-addr", ":9090", "listen address of the HTTP panel (empty disables it)")
	f.Duration("retention", 24*time.Hour, "how long finished executions are kept (0 keeps them forever)")
	return cmd
}

// serve runs every long-lived component until ctx ends or one of them fails,
// then drains the engine.
func (a *app) serve(ctx context.Context) error {
	mcpServer := mcp.NewServer(mcp.ServerDeps{
		Workflows:  a.workflows,
		Validator:  a.validator,
		Engine:     a.engine,
		Executions: a.executions,
		Tools:      a.tools,
		Hub:        a.hub,
		Logger:     a.logger,
		Version:    version,
	})
	a.onPrune = append(a.onPrune, mcpServer.ForgetExecution)

	// With SSE on the panel's address the transport is mounted on the panel
	// instead of getting its own listener.
	sharedSSE := a.cfg.Transport == transportSSE && a.cfg.PanelAddr != "" && a.cfg.SSEAddr == a.cfg.PanelAddr

	g, gctx := errgroup.WithContext(ctx)

	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	notifier := mcpServer.Notifier()
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error {
		a.runPruner(gctx, pruneInterval(a.cfg.Retention))
		return nil
	})

	if a.cfg.PanelAddr != "" {
		deps := panel.Deps{
			Workflows:  a.workflows,
			Validator:  a.validator,
			Engine:     a.engine,
			Executions: a.executions,
			Events:     a.events,
			Tools:      a.tools,
			Hub:        a.hub,
			Metrics:    a.metrics,
			Scheduler:  a.scheduler,
			Logger:     a.logger,
		}
		if sharedSSE {
			deps.MCP = mcpServer.SSEHandler()
		}
		p := panel.NewServer(deps)
		g.Go(func() error { return p.ListenAndServe(gctx, a.cfg.PanelAddr) })
	}

	switch {
	case a.cfg.Transport == transportStdio:
		g.Go(func() error {
			a.logger.Info("mcp stdio transport started", "version", version)
			err := mcpServer.Serve(gctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				err = nil
			}
			if err == nil {
				// The client closed stdin; nothing is left to serve.
				return errStdioClosed
			}
			return err
		})
	case !sharedSSE:
		g.Go(func() error { return mcpServer.ServeSSE(gctx, a.cfg.SSEAddr) })
	}

	err := g.Wait()
	if errors.Is(err, errStdioClosed) {
		err = nil
	}
	return errors.Join(err, a.shutdown(shutdownTimeout))
}

var errStdioClosed = errors.New("stdio transport closed")

func newRunCmd(opts *rootOptions) *cobra.Command {
	var metadataJSON string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run WORKFLOW",
		Short: "Execute one workflow and print the final execution as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var metadata map[string]any
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
					return fmt.Errorf("--metadata must be a JSON object: %w", err)
				}
			}

			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			ex, runErr := a.runOnce(ctx, args[0], metadata)
			shutdownErr := a.shutdown(shutdownTimeout)
			if runErr != nil {
				return runErr
			}
			if err := writeJSON(cmd.OutOrStdout(), ex); err != nil {
				return err
			}
			if ex.Status != schema.ExecutionStatusCompleted {
				return fmt.Errorf("execution %s finished %s", ex.ID, ex.Status)
			}
			return shutdownErr
		},
	}
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "execution metadata as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the execution after this long (0 waits forever)")
	return cmd
}

// runOnce starts workflow and waits for it. When ctx ends first the
// execution is cancelled and its final state is still reported.
func (a *app) runOnce(ctx context.Context, workflow string, metadata map[string]any) (*schema.Execution, error) {
	id, err := a.engine.Execute(ctx, workflow, metadata)
	if err != nil {
		return nil, err
	}
	ex, err := a.engine.Wait(ctx, id)
	if err == nil {
		return ex, nil
	}

	a.logger.Warn("cancelling execution", slog.String("execution_id", id), slog.Any("reason", err))
	if cancelErr := a.engine.Cancel(context.Background(), id); cancelErr != nil && !schema.IsCode(cancelErr, schema.ErrCodeAlreadyTerminal) {
		return nil, cancelErr
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.engine.Wait(waitCtx, id)
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a workflow definition file without registering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			wf, err := workflows.LoadFile(a.validator, args[0])
			if err != nil {
				return err
			}
			res := a.validator.Validate(wf.Name, wf.Steps)
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"name":     wf.Name,
				"steps":    len(wf.Steps),
				"valid":    res.Valid(),
				"errors":   res.Errors,
				"warnings": res.Warnings,
			}); err != nil {
				return err
			}
			if !res.Valid() {
				return fmt.Errorf("workflow %q is invalid: %d error(s)", wf.Name, len(res.Errors))
			}
			return nil
		},
	}
}

func newWorkflowsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List built-in and loaded workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			type entry struct {
				Name        string `json:"name"`
				Description string `json:"description,omitempty"`
				Steps       int    `json:"steps"`
			}
			var out []entry
			for _, wf := range a.workflows.Describe() {
				out = append(out, entry{Name: wf.Name, Description: wf.Description, Steps: len(wf.Steps)})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newDiagramCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "diagram WORKFLOW",
		Short: "Render a workflow's dependency graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			wf, err := a.workflows.Get(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(wf, nil)
			if err != nil {
				return err
			}
			switch format {
			case "mermaid":
				fmt.Fprintln(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			case "ascii":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
			default:
				return fmt.Errorf("unsupported format %q: use mermaid or ascii", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "output format: mermaid or ascii")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
