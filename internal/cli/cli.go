// ============================================================================
// Budget Optimizer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the service and its client
//
// Command Structure:
//   budget-optimizer               # Root command
//   ├── run [--resume]             # Start the service (gRPC + optional metrics)
//   ├── submit -f FILE             # Submit one scenario or a JSON array of them
//   ├── list                       # List studies
//   ├── get NAME                   # Study with all trials
//   ├── best NAME                  # Best completed trial
//   ├── settings NAME              # Settings rows saved at creation
//   ├── delete NAME                # Stop the job and delete the study
//   ├── resume NAME                # Restart the job of an existing study
//   ├── predict --alloc k=v,...    # Call the revenue model
//   ├── status [NAME]              # Job status, or service statistics
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --addr                     # Server address (overrides server.address)
//
// run Command:
//   1. Load config file
//   2. Set up logging and tracing
//   3. Open the trial store (OPTIMIZER_STORAGE_DSN overrides storage.dsn)
//   4. Start Metrics HTTP server (if enabled)
//   5. Resume unfinished studies (with --resume)
//   6. Serve gRPC until SIGINT / SIGTERM
//   7. Terminate and join every job, then close the store
//
// Client commands print JSON to stdout.
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/budget-optimizer/internal/server"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

var (
	configFile string
	serverAddr string
)

// requestTimeout bounds every client command.
const requestTimeout = 30 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "budget-optimizer",
		Short: "Budget Optimizer: marketing budget scenario optimization service",
		Long: `Budget Optimizer searches channel budget allocations that maximize
predicted revenue under per-channel and total budget bounds:
- one isolated optimization job per scenario
- durable trial store (sqlite, postgres or ledger files)
- gRPC API, Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "server address (default: server.address from config)")

	rootCmd.AddCommand(
		buildRunCommand(),
		buildSubmitCommand(),
		buildListCommand(),
		buildGetCommand(),
		buildBestCommand(),
		buildSettingsCommand(),
		buildDeleteCommand(),
		buildResumeCommand(),
		buildPredictCommand(),
		buildStatusCommand(),
	)
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the optimization service",
		Long:  "Open the trial store, serve the gRPC API and run one optimization job per scenario",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if serverAddr != "" {
				cfg.Server.Address = serverAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg, resume, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "resume studies that have not reached max_trials")
	return cmd
}

// ============================================================================
// client commands
// ============================================================================

// withClient dials the configured server and runs fn with a bounded context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.Address
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, client)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildSubmitCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit scenarios from a JSON file",
		Long:  "Read one scenario object, or an array of them, and create each one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios, err := readScenarios(file)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				created := 0
				for _, raw := range scenarios {
					sc, err := c.Create(ctx, raw)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "rejected: %v\n", err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", sc.Name)
					created++
				}
				if created < len(scenarios) {
					return fmt.Errorf("submitted %d/%d scenarios", created, len(scenarios))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing the scenario(s)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// readScenarios returns the raw scenario objects in the file.
func readScenarios(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse scenario file: %w", err)
		}
		return list, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("failed to parse scenario file: invalid JSON")
	}
	return []json.RawMessage{data}, nil
}

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List studies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				names, err := c.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), names)
			})
		},
	}
}

func buildGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show a study and its trials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				study, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), study)
			})
		},
	}
}

func buildBestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "best NAME",
		Short: "Show the best completed trial of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				best, err := c.BestTrial(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), best)
			})
		},
	}
}

func buildSettingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "settings NAME",
		Short: "Show the budget settings saved for a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				settings, err := c.Settings(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), settings)
			})
		},
	}
}

func buildDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Stop the job of a study and delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func buildResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume NAME",
		Short: "Restart the job of an existing study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.Resume(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
				return nil
			})
		},
	}
}

func buildPredictCommand() *cobra.Command {
	var (
		alloc         map[string]string
		contributions bool
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict revenue for an allocation",
		Long:  "Channels missing from --alloc stay at their initial spend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseAllocation(alloc)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if contributions {
					b, err := c.Contributions(ctx, a)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), b)
				}
				v, err := c.Predict(ctx, a)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]float64{"revenue": v})
			})
		},
	}

	cmd.Flags().StringToStringVar(&alloc, "alloc", nil, "channel spend, e.g. olv=40,paid_search=120")
	cmd.Flags().BoolVar(&contributions, "contributions", false, "print the per-channel decomposition")
	return cmd
}

func parseAllocation(in map[string]string) (types.Allocation, error) {
	out := make(types.Allocation, len(in))
	for k, v := range in {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid spend %q for channel %q", v, k)
		}
		out[types.ChannelName(strings.TrimSpace(k))] = f
	}
	return out, nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show job status of a study, or service status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if len(args) == 1 {
					info, err := c.JobStatus(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), info)
				}
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				return showStatus(cmd.OutOrStdout(), stats.Uptime, stats.Studies, stats.Jobs)
			})
		},
	}
}

func showStatus(w io.Writer, uptime string, studies int, jobs map[string]int) error {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Budget Optimizer Status                         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "  ├─ Uptime:        %s\n", uptime)
	fmt.Fprintf(w, "  ├─ Studies:       %d\n", studies)
	fmt.Fprintln(w, "  └─ Jobs:")
	fmt.Fprintf(w, "     ├─ Pending:    %d\n", jobs[string(types.JobPending)])
	fmt.Fprintf(w, "     ├─ Running:    %d\n", jobs[string(types.JobRunning)])
	fmt.Fprintf(w, "     ├─ Done:       %d\n", jobs[string(types.JobDone)])
	fmt.Fprintf(w, "     ├─ Failed:     %d\n", jobs[string(types.JobFailed)])
	fmt.Fprintf(w, "     └─ Terminated: %d\n", jobs[string(types.JobTerminated)])
	return nil
}
