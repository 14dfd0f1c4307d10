package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fetchmux/internal/daemon"
	"github.com/fetchmux/internal/tui"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the fetchmux daemon",
	Long: `Stop the running fetchmux daemon gracefully.
Queued and running downloads get the configured shutdown timeout to finish
before they are aborted.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := daemon.GetPidPath()
	logPath := daemon.GetLogPath()

	// Prefer the control socket, fall back to signalling the pid.
	if resp, err := daemon.SendCommand(daemon.Command{Type: daemon.CmdStop}); err == nil && resp.Success {
		fmt.Println()
		fmt.Println(tui.InfoStyle.Render("  Stopping fetchmux..."))
		waitForExit(pidPath)
		fmt.Println(tui.SuccessStyle.Render("  " + tui.CheckMark + " fetchmux stopped"))
		fmt.Println()
		showLastSummary(logPath)
		return nil
	}

	// Read PID file
	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Println()
		fmt.Println(tui.WarningStyle.Render("  fetchmux is not running"))
		fmt.Println()
		return nil
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		fmt.Println()
		fmt.Println(tui.ErrorStyle.Render("  Invalid PID file"))
		fmt.Println()
		return nil
	}

	// Check if process exists
	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Println()
		fmt.Println(tui.WarningStyle.Render("  fetchmux is not running"))
		fmt.Println()
		os.Remove(pidPath)
		return nil
	}

	fmt.Println()
	fmt.Println(tui.InfoStyle.Render("  Stopping fetchmux (PID: " + strconv.Itoa(pid) + ")..."))

	// Send SIGTERM
	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Process already finished, clean up PID file
		os.Remove(pidPath)
		fmt.Println(tui.SuccessStyle.Render("  " + tui.CheckMark + " fetchmux stopped (was already finished)"))
		fmt.Println()
		showLastSummary(logPath)
		return nil
	}

	waitForExit(pidPath)

	fmt.Println(tui.SuccessStyle.Render("  " + tui.CheckMark + " fetchmux stopped"))
	fmt.Println()

	// Show last summary from log
	showLastSummary(logPath)

	return nil
}

// waitForExit waits up to a minute for the daemon to remove its pid file.
func waitForExit(pidPath string) {
	for i := 0; i < 600; i++ {
		if _, err := os.Stat(pidPath); os.IsNotExist(err) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// showLastSummary reads the log file and displays the last SUMMARY line
func showLastSummary(logPath string) {
	file, err := os.Open(logPath)
	if err != nil {
		return
	}
	defer file.Close()

	var lastSummary string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "SUMMARY:") {
			lastSummary = line
		}
	}

	if lastSummary != "" {
		fmt.Println(tui.SubtitleStyle.Render("  Last Session Summary:"))
		// Parse and format summary
		if idx := strings.Index(lastSummary, "SUMMARY:"); idx != -1 {
			summary := lastSummary[idx+9:]
			parts := strings.Fields(summary)
			for _, part := range parts {
				kv := strings.Split(part, "=")
				if len(kv) == 2 {
					fmt.Printf("    %s: %s\n",
						tui.LabelStyle.Render(kv[0]),
						tui.ValueStyle.Render(kv[1]))
				}
			}
		}
		fmt.Println()
	}
}
