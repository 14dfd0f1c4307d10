package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fetchmux/internal/script"
	"github.com/fetchmux/internal/tui"
	"github.com/fetchmux/pkg/transfer"
	"github.com/spf13/cobra"
)

var (
	scriptTimeout     time.Duration
	scriptMaxTransfer int
)

var scriptCmd = &cobra.Command{
	Use:   "script FILE",
	Short: "Run a JavaScript or Starlark fetch script",
	Long: `Run a script with fetch(), urlencode(), urldecode() and print() builtins.
Files ending in .js run as JavaScript, .star and .py as Starlark.

JavaScript:
  var r = fetch("https://example.com/api", {headers: {"Accept": "application/json"}});
  print(r.status, r.body.length);

Starlark:
  r = fetch("https://example.com/api", headers = {"Accept": "application/json"})
  print(r.status, len(r.body))`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	scriptCmd.Flags().DurationVarP(&scriptTimeout, "timeout", "t", 0, "Abort the script after this long (0 = no limit)")
	scriptCmd.Flags().IntVarP(&scriptMaxTransfer, "max-transfers", "n", transfer.DefaultMaxTransfers, "Concurrent transfers")
	rootCmd.AddCommand(scriptCmd)
}

func runScript(cmd *cobra.Command, args []string) error {
	log := newLogger()
	defer log.Sync()
	transfer.SetLogger(log)

	cfg := transfer.DefaultConfig()
	cfg.MaxTransfers = scriptMaxTransfer
	cfg.Developer = verbose
	mgr, err := transfer.New(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if scriptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scriptTimeout)
		defer cancel()
	}

	rt := script.New(mgr, os.Stdout, log)
	if err := rt.RunFile(ctx, args[0]); err != nil {
		return fmt.Errorf("%s %w", tui.CrossMark, err)
	}
	return nil
}
