package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/internal/daemon"
	"github.com/fetchmux/internal/tui"
	"github.com/fetchmux/internal/worker"
	"github.com/spf13/cobra"
)

var (
	statusJSON  bool
	statusWatch bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fetchmux status",
	Long: `Display the current status of the fetchmux daemon.

Examples:
  fetchmux status          Show current status
  fetchmux status -w       Watch status (refresh every second)
  fetchmux status --json   Output as JSON`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Watch mode (refresh every second)")
	rootCmd.AddCommand(statusCmd, queueCmd, resultsCmd)

	resultsCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")

	queueCmd.Flags().StringVarP(&queueOutput, "output", "o", "", "Output file name")
	queueCmd.Flags().BoolVar(&queueStream, "stream", false, "Write the body as it arrives")
	queueCmd.Flags().BoolVarP(&queueResume, "resume", "c", false, "Resume a partial download")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusWatch {
		return watchStatus()
	}

	return showStatus()
}

func fetchStatus() (daemon.Status, error) {
	var status daemon.Status
	resp, err := daemon.SendCommand(daemon.Command{Type: daemon.CmdStatus})
	if err != nil {
		return status, err
	}
	if !resp.Success {
		return status, errors.New(resp.Message)
	}
	err = json.Unmarshal(resp.Data, &status)
	return status, err
}

func showStatus() error {
	status, err := fetchStatus()
	if err != nil {
		notRunning()
		return nil
	}

	if statusJSON {
		output, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	printStatus(status)
	return nil
}

func notRunning() {
	fmt.Println()
	fmt.Println(tui.ErrorStyle.Render("  " + tui.CrossMark + " fetchmux is not running"))
	fmt.Println()
	fmt.Println(tui.DimStyle.Render("  Start with: fetchmux run --daemon"))
	fmt.Println()
}

func watchStatus() error {
	// Clear screen
	fmt.Print("\033[H\033[2J")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		// Move cursor to top
		fmt.Print("\033[H")

		status, err := fetchStatus()
		if err != nil {
			fmt.Println(tui.ErrorStyle.Render("Connection lost. Daemon may have stopped."))
			return nil
		}

		printStatus(status)
		fmt.Println()
		fmt.Println(tui.DimStyle.Render("Press Ctrl+C to exit watch mode"))

		<-ticker.C
	}
}

func printStatus(status daemon.Status) {
	fmt.Println()

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		tui.Logo(),
		"  ",
		tui.TitleStyle.Render(" STATUS "),
	)
	fmt.Println(header)
	fmt.Println()

	if status.Running {
		fmt.Printf("  %s %s  %s\n",
			tui.SuccessStyle.Render(tui.BulletPoint),
			tui.SuccessStyle.Render("RUNNING"),
			tui.DimStyle.Render(fmt.Sprintf("pid %d, up %s", status.Pid, status.Uptime)))
	} else {
		fmt.Printf("  %s %s\n", tui.ErrorStyle.Render(tui.CrossMark), tui.ErrorStyle.Render("STOPPED"))
	}
	fmt.Println()

	var content strings.Builder
	s := status.Stats

	content.WriteString(tui.SubtitleStyle.Render("Jobs"))
	content.WriteString("\n")
	content.WriteString(fmt.Sprintf("  Active:    %s\n", tui.ValueStyle.Render(fmt.Sprint(s.Active))))
	content.WriteString(fmt.Sprintf("  Queued:    %s\n", tui.ValueStyle.Render(fmt.Sprint(s.Queued))))
	content.WriteString(fmt.Sprintf("  Completed: %s\n", tui.SuccessStyle.Render(fmt.Sprint(s.Completed))))
	content.WriteString(fmt.Sprintf("  Failed:    %s\n", tui.ErrorStyle.Render(fmt.Sprint(s.Failed))))
	content.WriteString(fmt.Sprintf("  Received:  %s\n", tui.ValueStyle.Render(tui.FormatBytes(s.Bytes))))
	content.WriteString("\n")

	sum := status.Summary
	if sum.Count > 0 {
		content.WriteString(tui.SubtitleStyle.Render("Durations"))
		content.WriteString("\n")
		content.WriteString(fmt.Sprintf("  p50 %s  p90 %s  p99 %s  max %s\n",
			tui.ValueStyle.Render(sum.P50.String()),
			tui.ValueStyle.Render(sum.P90.String()),
			tui.ValueStyle.Render(sum.P99.String()),
			tui.ValueStyle.Render(sum.Max.String())))
		content.WriteString("\n")
	}

	if len(status.Progress) > 0 {
		content.WriteString(tui.SubtitleStyle.Render("Transfers"))
		content.WriteString("\n")
		for _, p := range status.Progress {
			content.WriteString(progressLine(p))
		}
		content.WriteString("\n")
	}

	if status.Metrics != "" {
		content.WriteString(tui.SubtitleStyle.Render("Metrics"))
		content.WriteString("\n")
		content.WriteString(fmt.Sprintf("  %s\n", tui.DimStyle.Render(status.Metrics)))
	}

	box := tui.BorderStyle.Width(64).Render(content.String())
	fmt.Println(box)
}

func progressLine(p worker.Progress) string {
	icon := tui.ArrowDown
	if p.Paused {
		icon = tui.PauseSign
	}
	if p.Expected <= 0 {
		return fmt.Sprintf("  %s %-20s %s\n", icon, p.Job, tui.FormatBytes(p.Offset+p.Received))
	}
	return fmt.Sprintf("  %s %-20s %s %s\n", icon, p.Job,
		tui.ProgressBar(float64(p.Received)/float64(p.Expected), 20),
		tui.FormatBytes(p.Offset+p.Received))
}

var (
	queueOutput string
	queueStream bool
	queueResume bool
)

// Queue command
var queueCmd = &cobra.Command{
	Use:   "queue URL",
	Short: "Add a download to the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job := config.Job{URL: args[0], Output: queueOutput, Resume: queueResume}
		if queueStream {
			job.Mode = config.ModeStream
		}
		if err := config.ValidateJob(&job); err != nil {
			return err
		}

		c, err := daemon.NewCommand(daemon.CmdFetch, job)
		if err != nil {
			return err
		}
		resp, err := daemon.SendCommand(c)
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		if !resp.Success {
			fmt.Println(tui.ErrorStyle.Render("  " + resp.Message))
			return nil
		}
		fmt.Println(tui.SuccessStyle.Render("  " + tui.CheckMark + " " + resp.Message))
		return nil
	},
}

// Results command
var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List downloads finished by the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendCommand(daemon.Command{Type: daemon.CmdResults})
		if err != nil {
			notRunning()
			return nil
		}

		var results []worker.Result
		if err := json.Unmarshal(resp.Data, &results); err != nil {
			return err
		}
		if statusJSON {
			output, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(output))
			return nil
		}
		if len(results) == 0 {
			fmt.Println(tui.DimStyle.Render("  No finished downloads"))
			return nil
		}
		for _, res := range results {
			printResult(res)
		}
		return nil
	},
}
