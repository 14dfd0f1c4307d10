package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fetchmux",
	Short: "Asynchronous HTTP transfer multiplexer",
	Long: `
  ⇣ fetchmux

fetchmux downloads many URLs at once through a single non-blocking
transfer engine with per-request buffering, backpressure and timeouts.

Get started:
  fetchmux get URL...     Download URLs with live progress
  fetchmux run            Run the jobs of a config file
  fetchmux status         Check a running daemon
  fetchmux queue URL      Add a download to a running daemon
  fetchmux logs           View daemon logs
  fetchmux stop           Stop the running daemon
  fetchmux probe TARGET   Check HTTP or gRPC health endpoints
  fetchmux script FILE    Run a JavaScript or Starlark fetch script`,
	Version: fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log transfer activity to stderr")
}

// SetVersion sets the version info
func SetVersion(v, bt, commit string) {
	version = v
	buildTime = bt
	gitCommit = commit
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit)
}

// newLogger returns the stderr logger used by foreground commands. Without
// --verbose only errors are shown so progress output stays readable.
func newLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zapcore.ErrorLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}
