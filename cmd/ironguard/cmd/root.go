package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironguard/internal/config"
)

var (
	cfgFile string
	v       = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "ironguard",
	Short: "IronGuard is the security core of a helpdesk backend",
	Long: `Session, CSRF, login lockout, CSP and hash-chained audit logging for a
helpdesk API. Settings are read from ironguard.yaml, IRONGUARD_* environment
variables and command-line flags, in increasing priority.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	def := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ironguard.yaml on the search path)")
	flags.String("backend", def.Storage.Backend, "Storage backend: bbolt, sqlite or memory")
	flags.String("data-dir", def.Storage.DataDir, "Directory for persistent data")
	flags.String("log-level", def.Log.Level, "Log level: debug, info, warn or error")
	flags.String("log-format", def.Log.Format, "Log format: json or text")

	cobra.CheckErr(v.BindPFlag("storage.backend", flags.Lookup("backend")))
	cobra.CheckErr(v.BindPFlag("storage.data_dir", flags.Lookup("data-dir")))
	cobra.CheckErr(v.BindPFlag("log.level", flags.Lookup("log-level")))
	cobra.CheckErr(v.BindPFlag("log.format", flags.Lookup("log-format")))
}

// loadConfig reads the merged configuration after flags are parsed.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}
