package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/razvanmacovei/stagevar-gateway/internal/config"
	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/loader"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/router"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

// NewRootCmd creates the root command for stagectl.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stagectl",
		Short: "Inspect and exercise stage-variable routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newRouteCmd())
	cmd.AddCommand(newCallCmd())

	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a stage configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ok: %d stages, %d deployments, %d resources\n",
				len(cfg.AllTargets()), len(cfg.Deployments), len(cfg.Resources))
			for _, t := range cfg.AllTargets() {
				fmt.Fprintf(out, "  stage %-28s -> %s (%s)\n", t.Stage, t.ID, t.Kind)
			}
			for _, d := range cfg.Deployments {
				fmt.Fprintf(out, "  deployment %-23s %s=%q\n", d.Name, cfg.StageVariable, d.Variables[cfg.StageVariable])
			}
			return nil
		},
	}
}

func newRouteCmd() *cobra.Command {
	var stage string
	var payload string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "route [config]",
		Short: "Route one request through a configuration without starting a server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if len(args) == 1 {
				var err error
				if cfg, err = config.Load(args[0]); err != nil {
					return err
				}
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			store := registry.New()
			factory := target.NewFactory(logger)
			factory.StageVariable = cfg.StageVariable
			ld, err := loader.Init(ctx, cfg, store, factory, logger)
			if err != nil {
				return err
			}
			defer ld.Shutdown(context.Background())

			rt := router.New(store,
				router.WithTimeout(cfg.InvokeTimeout),
				router.WithGreeting(cfg.Greeting),
				router.WithLogger(logger),
			)
			resp := rt.Route(ctx, envelope.RouteRequest{
				Stage:    stage,
				Payload:  []byte(payload),
				Metadata: map[string]string{"method": http.MethodGet},
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
			if id := resp.Metadata["X-Target-Id"]; id != "" {
				fmt.Fprintf(out, "Target: %s\n", id)
			}
			fmt.Fprintf(out, "Body:\n%s\n", indent(resp.Body))
			return nil
		},
	}

	cmd.Flags().StringVarP(&stage, "stage", "s", "", "Stage identifier to route by (empty routes to the fallback)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Request payload")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log routing decisions")
	return cmd
}

func newCallCmd() *cobra.Command {
	var invocationType string
	var headers []string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <url>",
		Short: "Call a deployed stage through a running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, args[0], nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			if invocationType != "" {
				req.Header.Set("InvocationType", invocationType)
			}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, "=")
				if !ok {
					return fmt.Errorf("header %q: want name=value", h)
				}
				req.Header.Set(k, v)
			}

			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return err
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Request-Id: %s\n", resp.Header.Get("X-Request-Id"))
			if id := resp.Header.Get("X-Target-Id"); id != "" {
				fmt.Fprintf(out, "Target: %s\n", id)
			}
			fmt.Fprintf(out, "Body:\n%s\n", indent(body))

			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("gateway returned %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&invocationType, "invocation-type", "RequestResponse", "Value of the InvocationType request header")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra request header as name=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	return cmd
}

func indent(body []byte) string {
	var pretty json.RawMessage
	if json.Unmarshal(body, &pretty) != nil {
		return string(body)
	}
	out, err := json.MarshalIndent(pretty, "  ", "  ")
	if err != nil {
		return string(body)
	}
	return "  " + string(out)
}
