package cli

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/internal/daemon"
	"github.com/fetchmux/internal/tui"
	"github.com/spf13/cobra"
)

var (
	configPath string
	daemonMode bool
	background bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the jobs of a config file",
	Long: `Run the download jobs listed in a YAML configuration file.

Without flags the jobs run in the foreground and the command exits when
they are done. With --daemon fetchmux keeps running, serves metrics and
accepts new jobs from 'fetchmux queue' until stopped.

Example:
  fetchmux run --config fetchmux.yaml
  fetchmux run --config fetchmux.yaml --daemon
  fetchmux run --config fetchmux.yaml --background`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "fetchmux.yaml", "Path to configuration file")
	runCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Keep running as a daemon")
	runCmd.Flags().BoolVarP(&background, "background", "b", false, "Start the daemon as a background process")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !daemonMode && !background {
		if len(cfg.Jobs) == 0 {
			return fmt.Errorf("%s has no jobs", configPath)
		}
		return runJobs(cfg)
	}

	if daemon.IsRunning() {
		fmt.Println()
		fmt.Println(tui.WarningStyle.Render("  " + tui.WarningSign + " fetchmux is already running!"))
		fmt.Println(tui.DimStyle.Render("  Use 'fetchmux status' to check status"))
		fmt.Println(tui.DimStyle.Render("  Use 'fetchmux stop' to stop the running instance"))
		fmt.Println()
		return nil
	}

	if background {
		if err := startDaemonBackground(configPath); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		fmt.Println(tui.SuccessStyle.Render("  " + tui.CheckMark + " fetchmux is now running in the background"))
		fmt.Println()
		fmt.Println("   Status:  fetchmux status")
		fmt.Println("   Logs:    fetchmux logs -f")
		fmt.Println("   Stop:    fetchmux stop")
		fmt.Println()
		return nil
	}

	fmt.Printf("%s starting (config: %s)\n", tui.Logo(), configPath)
	fmt.Printf("  Jobs: %d\n", len(cfg.Jobs))
	fmt.Printf("  Max transfers: %d\n", cfg.Transfer.MaxTransfers)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.Address, cfg.Metrics.Path)
	}
	fmt.Println()

	d, err := daemon.New(cfg, "")
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		d.Stop()
	case <-d.Done():
	}
	return nil
}

// startDaemonBackground starts the daemon as a detached process
func startDaemonBackground(configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "run", "--config", configPath, "--daemon")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	// Detach
	return cmd.Process.Release()
}
