package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blockberries/streamberry/logging"
)

const envPrefix = "STREAMLET"

var (
	flagConfig   string
	flagLogLevel string
	flagPretty   bool
)

var rootCmd = &cobra.Command{
	Use:           "streamlet",
	Short:         "Streamlet consensus simulator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and exits non-zero on failure
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"config file (yaml, toml or json); flags and STREAMLET_* variables override it")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info",
		"log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false,
		"human-readable console logs")

	rootCmd.AddCommand(runCmd, leadersCmd)
}

// loadSettings merges, in increasing priority, the config file, STREAMLET_*
// environment variables and explicitly set flags of cmd
func loadSettings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	bind := func(fs *pflag.FlagSet) {
		if err := v.BindPFlags(fs); err != nil && bindErr == nil {
			bindErr = err
		}
	}
	bind(cmd.Flags())
	bind(cmd.InheritedFlags())
	if bindErr != nil {
		return nil, bindErr
	}

	if flagConfig != "" {
		v.SetConfigFile(flagConfig)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", flagConfig, err)
		}
	}
	return v, nil
}

func newLogger(cmd *cobra.Command, v *viper.Viper) (zerolog.Logger, error) {
	return logging.New(v.GetString("log-level"), v.GetBool("pretty"), cmd.ErrOrStderr())
}
