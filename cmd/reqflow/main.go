package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/printer"
	"github.com/funnyzak/reqflow/internal/relation"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/internal/storage"
	"github.com/funnyzak/reqflow/internal/transport"
	"github.com/funnyzak/reqflow/internal/workspace"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "reqflow",
	Short: "Replay recorded HTTP flows with automatic token and cookie threading",
	Long: `ReqFlow turns a HAR capture into an editable flow and replays it step by step.

Values a server issues during the capture, such as bearer tokens and session
cookies, are wired into the requests that consume them so the flow can be
replayed against a live server.
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Bool("log-file-enable", false, "Enable file logging")
	rootCmd.PersistentFlags().String("log-file-path", "", "Log file path")
	rootCmd.PersistentFlags().String("output", "", "Output mode (console, json)")
	rootCmd.PersistentFlags().Bool("full-body", false, "Print bodies without truncation")
	rootCmd.PersistentFlags().String("base-url", "", "Send every request to this scheme and host instead of the recorded one")
	rootCmd.PersistentFlags().Int("timeout", 0, "Per-request timeout in seconds")
	rootCmd.PersistentFlags().Bool("insecure", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().String("storage-driver", "", "Replay history driver (sqlite, memory)")
	rootCmd.PersistentFlags().String("storage-path", "", "Replay history database path")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newRelationsCmd())
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newShellCmd())
	rootCmd.AddCommand(newServeCmd())
}

func bindFlags(cmd *cobra.Command) {
	viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", cmd.PersistentFlags().Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", cmd.PersistentFlags().Lookup("log-file-path"))
	viper.BindPFlag("output.mode", cmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("output.body_view.full_body", cmd.PersistentFlags().Lookup("full-body"))
	viper.BindPFlag("transport.base_url", cmd.PersistentFlags().Lookup("base-url"))
	viper.BindPFlag("transport.timeout", cmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("transport.tls_insecure_skip_verify", cmd.PersistentFlags().Lookup("insecure"))
	viper.BindPFlag("storage.driver", cmd.PersistentFlags().Lookup("storage-driver"))
	viper.BindPFlag("storage.path", cmd.PersistentFlags().Lookup("storage-path"))
}

// app carries the collaborators shared by every command.
type app struct {
	cfg       *config.Config
	log       logger.Logger
	printer   printer.Printer
	store     storage.Store
	transport *transport.Client
}

// loadConfig reads configuration and applies command line overrides, which
// take the highest priority.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if logLevel, err := flags.GetString("log-level"); err == nil && logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFileEnable, err := flags.GetBool("log-file-enable"); err == nil && flags.Changed("log-file-enable") {
		cfg.Log.FileLogging.Enable = logFileEnable
	}
	if logFilePath, err := flags.GetString("log-file-path"); err == nil && logFilePath != "" {
		cfg.Log.FileLogging.Path = logFilePath
	}
	if mode, err := flags.GetString("output"); err == nil && mode != "" {
		cfg.Output.Mode = mode
	}
	if fullBody, err := flags.GetBool("full-body"); err == nil && flags.Changed("full-body") {
		cfg.Output.BodyView.FullBody = fullBody
	}
	if baseURL, err := flags.GetString("base-url"); err == nil && baseURL != "" {
		cfg.Transport.BaseURL = baseURL
	}
	if timeout, err := flags.GetInt("timeout"); err == nil && timeout != 0 {
		cfg.Transport.Timeout = timeout
	}
	if insecure, err := flags.GetBool("insecure"); err == nil && flags.Changed("insecure") {
		cfg.Transport.TLSInsecureSkipVerify = insecure
	}
	if driver, err := flags.GetString("storage-driver"); err == nil && driver != "" {
		cfg.Storage.Driver = driver
	}
	if path, err := flags.GetString("storage-path"); err == nil && path != "" {
		cfg.Storage.Path = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp builds the logger, printer, transport and, when withStore is set
// and storage is enabled, the replay history store.
func newApp(cmd *cobra.Command, withStore bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	a := &app{
		cfg:     cfg,
		log:     log,
		printer: printer.New(cfg.Output.Mode, log, &cfg.Output, cmd.OutOrStdout()),
	}

	a.transport, err = transport.New(log, transport.OptionsFromConfig(&cfg.Transport))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	if withStore && cfg.Storage.Enable {
		a.store, err = storage.New(&cfg.Storage, log)
		if err != nil {
			a.transport.Close()
			return nil, fmt.Errorf("failed to open replay history: %w", err)
		}
	}
	return a, nil
}

func (a *app) workspace() *workspace.Workspace {
	return workspace.New(workspace.Options{
		Transport: a.transport,
		Replay: replay.Options{
			RequeueOnError: a.cfg.Replay.RequeueOnError,
			Logger:         a.log,
		},
		Relations:   relation.Registered(relation.OptionsFromConfig(&a.cfg.Relations), a.log),
		Store:       a.store,
		StopOnError: a.cfg.Replay.StopOnError,
		Delay:       a.cfg.Replay.Delay,
		Logger:      a.log,
	})
}

func (a *app) Close() {
	if a.transport != nil {
		a.transport.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close replay history", "error", err)
		}
	}
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("ReqFlow version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
