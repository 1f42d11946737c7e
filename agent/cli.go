package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fx-executor/agent/internal/config"
	"fx-executor/agent/internal/logger"
	"fx-executor/agent/internal/service"
	"fx-executor/agent/internal/state"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	apiAddr    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "fx-executor",
		Short:         "trading executor agent: command intake, terminal dispatch and emergency stop",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/agent.yaml", "path to the agent config file")
	root.PersistentFlags().StringVar(&opts.apiAddr, "api", "", "operator API address (defaults to operator.listen)")

	root.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newEstopCommand(opts),
		newCancelCommand(opts),
	)
	return root
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogPath, cfg.LogLevel); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			state.SetExecutorID(cfg.Executor.ID)
			state.SetVersion(version)
			state.MarkStarted(time.Now())

			agent, err := service.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return agent.Run(ctx)
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show connections, emergency stop state and queue depth of a running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var view service.StatusView
			if err := callAPI(cmd.Context(), opts, http.MethodGet, "/status", nil, &view); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "executor %s (%s), up %s\n", view.ExecutorID, view.Version, time.Duration(view.UptimeSeconds)*time.Second)
			for _, c := range view.Connections {
				line := fmt.Sprintf("  %-9s %-12s attempt=%d", c.Channel, c.State, c.Attempt)
				if c.LastError != "" {
					line += " last_error=" + c.LastError
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "emergency stop: %s\n", view.EmergencyStop.State)
			fmt.Fprintf(out, "queue depth: %d (accepting=%t)\n", view.QueueDepth, view.Accepting)
			return nil
		},
	}
}

func newEstopCommand(opts *rootOptions) *cobra.Command {
	estop := &cobra.Command{
		Use:   "estop",
		Short: "trip or reset the emergency stop",
	}

	var reason string
	trip := &cobra.Command{
		Use:   "trip",
		Short: "cancel queued commands and close all positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": reason}
			var st map[string]any
			if err := callAPI(cmd.Context(), opts, http.MethodPost, "/estop", body, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "emergency stop %v\n", st["state"])
			return nil
		},
	}
	trip.Flags().StringVar(&reason, "reason", "operator request", "reason recorded with the trip")

	var pin string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "re-arm after the close-all has finished",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pin == "" {
				pin = os.Getenv("FXE_OPERATOR_PIN")
			}
			req := apiRequest{method: http.MethodPost, path: "/estop/reset", header: map[string]string{service.HeaderOperatorPin: pin}}
			var st map[string]any
			if err := req.do(cmd.Context(), opts, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "emergency stop %v\n", st["state"])
			return nil
		},
	}
	reset.Flags().StringVar(&pin, "pin", "", "operator pin (or FXE_OPERATOR_PIN)")

	estop.AddCommand(trip, reset)
	return estop
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <command-id>",
		Short: "withdraw a queued command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callAPI(cmd.Context(), opts, http.MethodPost, "/commands/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "command %s cancelled\n", args[0])
			return nil
		},
	}
}

type apiRequest struct {
	method string
	path   string
	body   any
	header map[string]string
}

func callAPI(ctx context.Context, opts *rootOptions, method, path string, body, out any) error {
	return apiRequest{method: method, path: path, body: body}.do(ctx, opts, out)
}

func (r apiRequest) do(ctx context.Context, opts *rootOptions, out any) error {
	addr := opts.apiAddr
	if addr == "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		addr = cfg.Operator.Listen
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	var body io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(raw))
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, r.method, addr+r.path, body)
	if err != nil {
		return err
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s: %s", r.method, r.path, resp.Status, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
