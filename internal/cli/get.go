package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/internal/tui"
	"github.com/fetchmux/internal/worker"
	"github.com/fetchmux/pkg/transfer"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	getOutputDir    string
	getOutput       string
	getHeaders      []string
	getForm         []string
	getBody         string
	getStream       bool
	getResume       bool
	getTimeout      time.Duration
	getMaxTransfers int
	getMaxSpeed     int64
	getHTTP2        bool
	getInsecure     bool
	getProxy        string
	getInterface    string
	getPlain        bool
)

var getCmd = &cobra.Command{
	Use:   "get URL...",
	Short: "Download one or more URLs",
	Long: `Download URLs concurrently through the transfer engine.

Progress bars are shown when stdout is a terminal, plain lines otherwise.

Examples:
  fetchmux get https://example.com/a.iso https://example.com/b.iso
  fetchmux get -o out.bin --resume https://example.com/big.bin
  fetchmux get -F user=alice -F id=7 https://example.com/upload
  fetchmux get --stream --max-speed 1048576 https://example.com/video.mp4`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

func init() {
	f := getCmd.Flags()
	f.StringVarP(&getOutputDir, "dir", "d", ".", "Output directory")
	f.StringVarP(&getOutput, "output", "o", "", "Output file name (single URL only)")
	f.StringArrayVarP(&getHeaders, "header", "H", nil, "Request header \"Name: value\" (repeatable)")
	f.StringArrayVarP(&getForm, "form", "F", nil, "Multipart form field name=value (repeatable)")
	f.StringVar(&getBody, "data", "", "URL-encoded POST body")
	f.BoolVar(&getStream, "stream", false, "Write bodies as they arrive instead of buffering")
	f.BoolVarP(&getResume, "resume", "c", false, "Resume partial downloads")
	f.DurationVarP(&getTimeout, "timeout", "t", transfer.DefaultTimeout, "Inactivity timeout per transfer (0 disables)")
	f.IntVarP(&getMaxTransfers, "max-transfers", "n", transfer.DefaultMaxTransfers, "Concurrent transfers")
	f.Int64Var(&getMaxSpeed, "max-speed", 0, "Receive limit in bytes/s per transfer (0 = unlimited)")
	f.BoolVar(&getHTTP2, "http2", false, "Use cleartext HTTP/2 (h2c) for http:// URLs")
	f.BoolVarP(&getInsecure, "insecure", "k", false, "Skip TLS certificate verification")
	f.StringVar(&getProxy, "proxy", "", "HTTP proxy address")
	f.StringVar(&getInterface, "interface", "", "Local interface name or address to bind")
	f.BoolVar(&getPlain, "plain", false, "Disable the progress display")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	if getOutput != "" && len(args) > 1 {
		return fmt.Errorf("--output needs exactly one URL")
	}

	headers, err := parsePairs(getHeaders, ":")
	if err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	form, err := parsePairs(getForm, "=")
	if err != nil {
		return fmt.Errorf("invalid form field: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Transfer.MaxTransfers = getMaxTransfers
	cfg.Transfer.Timeout = getTimeout
	cfg.Transfer.MaxRecvSpeed = getMaxSpeed
	cfg.Transfer.HTTP2 = getHTTP2
	cfg.Transfer.TLSInsecure = getInsecure
	cfg.Transfer.Proxy = getProxy
	cfg.Transfer.Interface = getInterface
	cfg.Transfer.Developer = verbose
	cfg.Runner.OutputDir = getOutputDir

	mode := config.ModeBuffer
	if getStream {
		mode = config.ModeStream
	}
	for _, u := range args {
		cfg.Jobs = append(cfg.Jobs, config.Job{
			URL:     u,
			Output:  getOutput,
			Headers: headers,
			Form:    form,
			Body:    getBody,
			Resume:  getResume,
			Mode:    mode,
		})
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	return runJobs(cfg)
}

// runJobs downloads cfg.Jobs in the foreground and reports the results.
func runJobs(cfg *config.Config) error {
	log := newLogger()
	defer log.Sync()
	transfer.SetLogger(log)

	mgr, err := transfer.New(cfg.Transfer.TransferConfig())
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := worker.NewRunner(mgr, cfg.Runner, cfg.Transfer.Interface, nil, log)
	for _, job := range cfg.Jobs {
		if err := runner.Submit(job); err != nil {
			return fmt.Errorf("%s: %w", job.URL, err)
		}
	}

	interactive := !getPlain && term.IsTerminal(int(os.Stdout.Fd()))
	if !interactive {
		runner.OnResult(printResult)
	}

	runner.Start(ctx)
	defer runner.Stop()

	if interactive {
		p := tea.NewProgram(tui.NewModel(runner, len(cfg.Jobs)), tea.WithContext(ctx))
		final, err := p.Run()
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		if m, ok := final.(tui.Model); ok && m.Canceled() {
			fmt.Println(tui.WarningStyle.Render("  Canceled"))
			return nil
		}
	} else {
		for !runner.Idle() && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
	}

	s := runner.Stats()
	snap := runner.Summary()
	fmt.Printf("\n  %s %d done  %s %d failed  %s %s  p50 %s  p99 %s\n",
		tui.CheckMark, s.Completed,
		tui.CrossMark, s.Failed,
		tui.ArrowDown, tui.FormatBytes(s.Bytes),
		snap.P50, snap.P99)

	if s.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", s.Failed, len(cfg.Jobs))
	}
	return nil
}

func printResult(res worker.Result) {
	if res.OK() {
		fmt.Printf("%s %s %s %s (%s)\n",
			tui.SuccessStyle.Render(tui.CheckMark), res.URL, tui.ArrowRight, res.Output,
			tui.FormatBytes(res.Bytes))
		return
	}
	fmt.Printf("%s %s %s\n", tui.ErrorStyle.Render(tui.CrossMark), res.URL, tui.ErrorStyle.Render(res.Error))
}

// parsePairs splits each "k<sep>v" into a map.
func parsePairs(items []string, sep string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, sep)
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%q is not of the form name%svalue", item, sep)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
