package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/childproc/internal/config"
	"github.com/Iron-Ham/childproc/internal/logging"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "childproc",
	Short: "Spawn and drive child processes over pipes or a pseudo-terminal",
	Long: `childproc launches a child process with its standard streams connected
to pipes or a pseudo-terminal and drives it with a blocking, polling or
event-driven session, relaying its output and exit status.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a child's exit status out of a command so main can
// exit with it.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("child exited with status %d", e.Status)
}

// Code maps the status onto a process exit code. A status of -1 (unknown)
// becomes 255.
func (e *ExitError) Code() int {
	if e.Status < 0 {
		return 255
	}
	return e.Status & 0xff
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/childproc/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug/info/warn/error); enables logging")
	rootCmd.PersistentFlags().String("log-dir", "", "directory for childproc.log (default is {config dir}/logs)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.dir", rootCmd.PersistentFlags().Lookup("log-dir"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHILDPROC")
	// e.g. CHILDPROC_REACTOR_WORKERS for reactor.workers
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// setupLogger builds the logger for a command from the effective
// configuration. Logging is off unless enabled in the config or a level
// is given on the command line. The level follows later edits to the
// config file.
func setupLogger(cmd *cobra.Command, cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled && !cmd.Flags().Changed("log-level") {
		return logging.NopLogger(), nil
	}

	rotation := logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	}
	log, err := logging.NewLoggerWithRotation(cfg.Logging.LogDir(), cfg.Logging.Level, rotation)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	config.Watch(func(c *config.Config) {
		log.SetLevel(c.Logging.Level)
		log.Info("configuration reloaded", "level", log.Level())
	}, func(err error) {
		log.Warn("ignoring invalid configuration reload", "error", err)
	})

	return log, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the childproc version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "childproc %s\n", Version)
	},
}
