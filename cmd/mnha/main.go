package main

import (
	"fmt"
	"os"

	"github.com/cuemby/mnha/pkg/config"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfg     *config.Config
	logFile *os.File
)

func main() {
	err := rootCmd.Execute()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mnha",
	Short: "mnha - management node failover for shared-storage clusters",
	Long: `mnha moves the management node role between hosts that share a
storage volume. The role's data lives on the shared volume and is linked
into place on the active host, which also carries the virtual address
and hostname that clients use.

mnha does not detect failures or elect a leader: an operator or an
external cluster manager decides when to activate or deactivate a node.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mnha version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Configuration file (default ./config.yaml or /etc/mnha/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and sets up logging before any command
func loadConfig(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		loaded.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		loaded.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := log.Config{
		Level:      log.Level(loaded.Log.Level),
		JSONOutput: loaded.Log.JSON,
	}
	if loaded.Log.File != "" {
		f, err := os.OpenFile(loaded.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		logCfg.File = f
	}
	log.Init(logCfg)

	cfg = loaded
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// no configuration needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mnha version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
