package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itskum47/promptlens/agent"
	"github.com/itskum47/promptlens/server/auth"
	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "promptlens",
	Short: "PromptLens - live LLM telemetry",
	Long: `PromptLens ingests telemetry for model invocations and streams each
new record to the dashboards watching that workspace.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"PromptLens version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")

	serveCmd.Flags().String("listen", "", "Listen address (overrides listen_addr)")

	tailCmd.Flags().String("url", "http://localhost:8080", "Server base URL")
	tailCmd.Flags().String("workspace", "", "Workspace id")
	tailCmd.Flags().String("api-key", "", "API key (default $PROMPTLENS_API_KEY)")
	tailCmd.Flags().Bool("reconnect", true, "Reconnect when the stream ends")
	tailCmd.Flags().Int("seed", 0, "Print this many recent records before streaming")
	_ = tailCmd.MarkFlagRequired("workspace")

	tokenIssueCmd.Flags().String("workspace", "", "Workspace id")
	_ = tokenIssueCmd.MarkFlagRequired("workspace")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the config file plus environment and applies the global
// logging flags.
func loadConfig(cmd *cobra.Command) (Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	logging.Init(logging.Config{
		Level:      logging.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion API and live stream gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.ListenAddr = listen
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := NewServer(ctx, cfg)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream a workspace's records to stdout as JSON lines",
	Long: `Subscribe to a workspace's live stream and print every new record.

Examples:
  # Follow workspace ws_123
  promptlens tail --workspace ws_123 --api-key pl_abc

  # Show the last 20 records first
  promptlens tail --workspace ws_123 --seed 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		baseURL, _ := cmd.Flags().GetString("url")
		workspace, _ := cmd.Flags().GetString("workspace")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			apiKey = os.Getenv("PROMPTLENS_API_KEY")
		}
		reconnect, _ := cmd.Flags().GetBool("reconnect")
		seed, _ := cmd.Flags().GetInt("seed")

		out := json.NewEncoder(cmd.OutOrStdout())
		a, err := agent.New(agent.Config{
			BaseURL:     baseURL,
			WorkspaceID: workspace,
			APIKey:      apiKey,
			Reconnect:   reconnect,
			SeedLimit:   seed,
			OnRecord:    func(rec store.TelemetryLog) { out.Encode(rec) },
			OnSeed: func(recs []store.TelemetryLog) {
				for i := len(recs) - 1; i >= 0; i-- {
					out.Encode(recs[i])
				}
			},
			OnStateChange: func(connected bool) {
				if connected {
					fmt.Fprintln(cmd.ErrOrStderr(), "● Live")
				} else {
					fmt.Fprintln(cmd.ErrOrStderr(), "○ Connecting...")
				}
			},
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.Run(ctx)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Subscription token utilities",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a subscription token offline using the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		workspace, _ := cmd.Flags().GetString("workspace")

		codec, err := auth.NewCodec([]byte(cfg.Token.Secret), auth.WithTTL(cfg.Token.TTL))
		if err != nil {
			return err
		}
		token, claims, err := codec.Issue(workspace)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", claims.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}
