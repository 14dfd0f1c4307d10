package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fetchmux/internal/daemon"
	"github.com/fetchmux/internal/tui"
	"github.com/spf13/cobra"
)

var (
	logsFollow bool
	logsTail   int
	logsLevel  string
)

var logLevels = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3, "DPANIC": 4, "PANIC": 4, "FATAL": 4}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View fetchmux logs",
	Long: `View logs from the fetchmux daemon.

Examples:
  fetchmux logs          Show recent logs
  fetchmux logs -f       Follow logs in real-time
  fetchmux logs -n 50    Show last 50 lines
  fetchmux logs -l warn  Show warnings and errors only`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 20, "Number of lines to show")
	logsCmd.Flags().StringVarP(&logsLevel, "level", "l", "debug", "Minimum level to show")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	logPath := daemon.GetLogPath()

	// Check if log file exists
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Println()
		fmt.Println(tui.WarningStyle.Render("  No logs found"))
		fmt.Println(tui.DimStyle.Render("  fetchmux may not have been started yet"))
		fmt.Println()
		return nil
	}

	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	fmt.Println()
	fmt.Println(tui.TitleStyle.Render(" fetchmux logs "))
	fmt.Println(tui.DimStyle.Render(fmt.Sprintf(" %s", logPath)))
	fmt.Println(tui.Divider(50))
	fmt.Println()

	if logsFollow {
		return followLogs(file)
	}

	return tailLogs(file, logsTail)
}

func tailLogs(file *os.File, n int) error {
	// Read all lines
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	// Get last n lines
	start := 0
	if len(lines) > n {
		start = len(lines) - n
	}

	for _, line := range lines[start:] {
		printLogLine(line)
	}

	fmt.Println()
	return nil
}

func followLogs(file *os.File) error {
	// Seek to end
	file.Seek(0, io.SeekEnd)

	reader := bufio.NewReader(file)

	fmt.Println(tui.DimStyle.Render("Waiting for new logs... (Ctrl+C to exit)"))
	fmt.Println()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		printLogLine(strings.TrimRight(line, "\n"))
	}
}

// lineLevel extracts the level of a daemon log line.
// Format: 2006-01-02 15:04:05	LEVEL	message	{fields}
func lineLevel(line string) string {
	fields := strings.SplitN(line, "\t", 3)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

func printLogLine(line string) {
	level := lineLevel(line)
	if floor, ok := logLevels[strings.ToUpper(logsLevel)]; ok && logLevels[level] < floor {
		return
	}

	switch level {
	case "ERROR", "DPANIC", "PANIC", "FATAL":
		fmt.Println(tui.ErrorStyle.Render(line))
	case "WARN":
		fmt.Println(tui.WarningStyle.Render(line))
	case "INFO":
		if strings.Contains(line, "SUMMARY:") || strings.Contains(line, "daemon started") {
			fmt.Println(tui.SuccessStyle.Render(line))
		} else {
			fmt.Println(tui.InfoStyle.Render(line))
		}
	default:
		fmt.Println(tui.DimStyle.Render(line))
	}
}
