// Command bulwarkd exercises and inspects checkpoint stores.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	v := viper.New()
	v.SetEnvPrefix("BULWARK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:     "bulwarkd",
		Short:   "Multi-level checkpoint/restart store tooling",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			return v.BindPFlags(cmd.Flags())
		},
	}
	rootCmd.PersistentFlags().String("config", "", "configuration file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	logger := func(cmd *cobra.Command) *slog.Logger {
		levelName, _ := cmd.Flags().GetString("log-level")
		var lvl slog.Level
		switch levelName {
		case "debug":
			lvl = slog.LevelDebug
		case "warn":
			lvl = slog.LevelWarn
		case "error":
			lvl = slog.LevelError
		default:
			lvl = slog.LevelInfo
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}

	rootCmd.AddCommand(
		newInspectCmd(),
		newVerifyCmd(),
		newMetaCmd(),
		newSimulateCmd(v, logger),
		newArchiveCmd(),
		newExtractCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
