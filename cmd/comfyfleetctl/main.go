// Package main is the entry point for the comfyfleetctl binary.
// It wires a fleet of backend clients into a Pool and runs one templated
// prompt against it.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Construct one Backend Client per configured host and add it to the Pool
//  4. Build a Prompt Template from the workflow file and bind its inputs
//  5. Submit the job through the Pool and wait for its result
//  6. Print the result and exit
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/comfyfleet/call"
	"github.com/arkeep-io/comfyfleet/client"
	"github.com/arkeep-io/comfyfleet/pool"
	"github.com/arkeep-io/comfyfleet/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	hosts        string
	workflowPath string
	checkpoint   string
	mode         string
	debugAddr    string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "comfyfleetctl",
		Short: "comfyfleetctl — dispatches one image-generation job across a fleet of backends",
		Long: `comfyfleetctl connects to one or more ComfyUI-compatible backends,
submits a templated workflow against the fleet under a configurable
selection policy, and prints the resolved outputs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.hosts, "hosts", envOrDefault("COMFYFLEET_HOSTS", "http://127.0.0.1:8188"), "comma-separated backend base URLs")
	root.PersistentFlags().StringVar(&cfg.workflowPath, "workflow", envOrDefault("COMFYFLEET_WORKFLOW", ""), "path to a workflow JSON file")
	root.PersistentFlags().StringVar(&cfg.checkpoint, "checkpoint", envOrDefault("COMFYFLEET_CHECKPOINT", ""), "checkpoint filename bound to the template's \"checkpoint\" input, if set")
	root.PersistentFlags().StringVar(&cfg.mode, "mode", envOrDefault("COMFYFLEET_MODE", "lowest"), "selection policy: zero, lowest, or routine")
	root.PersistentFlags().StringVar(&cfg.debugAddr, "debug-addr", envOrDefault("COMFYFLEET_DEBUG_ADDR", ""), "address to serve the pool's debug/metrics server on (empty disables it)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("COMFYFLEET_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("comfyfleetctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.workflowPath == "" {
		return fmt.Errorf("--workflow is required")
	}

	mode, err := parseMode(cfg.mode)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wf, err := loadWorkflow(cfg.workflowPath)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	p := pool.New(logger, mode, 0)
	defer p.Destroy()

	hosts := strings.Split(cfg.hosts, ",")
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		c := client.New(client.Config{Host: host, Logger: logger})
		p.AddClient(ctx, c, 5, time.Second)
		logger.Info("registered backend", zap.String("host", host))
	}

	if cfg.debugAddr != "" {
		go func() {
			logger.Info("serving debug/metrics server", zap.String("addr", cfg.debugAddr))
			if err := http.ListenAndServe(cfg.debugAddr, p.DebugServer()); err != nil {
				logger.Warn("debug server stopped", zap.Error(err))
			}
		}()
	}

	tmpl := workflow.New(wf, []string{"checkpoint"}, []string{"image"})
	if cfg.checkpoint != "" {
		var err error
		tmpl, err = tmpl.Input("checkpoint", cfg.checkpoint, workflow.EncodingNone)
		if err != nil {
			return fmt.Errorf("binding checkpoint input: %w", err)
		}
	}

	result, err := p.Run(ctx, func(ctx context.Context, c *client.Client, idx int) (any, error) {
		return call.New(c, tmpl).Run(ctx)
	}, 0, pool.Filter{}, pool.RunOptions{})
	if err != nil {
		return fmt.Errorf("job failed: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func parseMode(s string) (pool.Mode, error) {
	switch strings.ToLower(s) {
	case "zero":
		return pool.PickZero, nil
	case "lowest":
		return pool.PickLowest, nil
	case "routine":
		return pool.PickRoutine, nil
	default:
		return 0, fmt.Errorf("unknown selection mode %q (want zero, lowest, or routine)", s)
	}
}

func loadWorkflow(path string) (workflow.Workflow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(b, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow JSON: %w", err)
	}
	return wf, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
