package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fetchmux/internal/health"
	"github.com/fetchmux/internal/tui"
	"github.com/fetchmux/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	probeService  string
	probeTimeout  time.Duration
	probeInsecure bool
	probeJSON     bool
)

var probeCmd = &cobra.Command{
	Use:   "probe TARGET...",
	Short: "Check HTTP or gRPC health endpoints",
	Long: `Probe health endpoints. Targets with an http:// or https:// scheme are
checked with a GET; grpc://host:port and bare host:port targets use the
standard gRPC health service.

Examples:
  fetchmux probe http://localhost:9090/readyz
  fetchmux probe --service fetchmux localhost:9091
  fetchmux probe --json http://a/healthz grpc://b:50051`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeService, "service", "", "gRPC health service name (empty checks the whole server)")
	probeCmd.Flags().DurationVarP(&probeTimeout, "timeout", "t", 5*time.Second, "Per-target timeout")
	probeCmd.Flags().BoolVarP(&probeInsecure, "insecure", "k", false, "Skip TLS verification and use plaintext gRPC")
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	log := newLogger()
	defer log.Sync()

	checker, err := health.NewChecker(protocol.ClientConfig{
		TLSInsecure:    probeInsecure,
		ConnectTimeout: probeTimeout,
		UserAgent:      "fetchmux-probe/" + version,
	}, probeTimeout, nil, log)
	if err != nil {
		return err
	}
	defer checker.Stop()

	targets := make([]health.Target, len(args))
	for i, arg := range args {
		targets[i] = health.ParseTarget(arg, probeService)
	}

	results := checker.Check(context.Background(), targets...)

	if probeJSON {
		output, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(output))
	} else {
		for _, res := range results {
			printProbe(res)
		}
	}

	unhealthy := 0
	for _, res := range results {
		if !res.Healthy {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d of %d targets unhealthy", unhealthy, len(results))
	}
	return nil
}

func printProbe(res health.Result) {
	latency := res.Duration.Round(time.Microsecond)
	if res.Healthy {
		fmt.Printf("%s %s %s\n", tui.SuccessStyle.Render(tui.CheckMark), res.Target, tui.DimStyle.Render(fmt.Sprintf("code=%d %s", res.Code, latency)))
		return
	}
	detail := fmt.Sprintf("code=%d %s", res.Code, latency)
	if res.Error != "" {
		detail += " " + res.Error
	}
	fmt.Printf("%s %s %s\n", tui.ErrorStyle.Render(tui.CrossMark), res.Target, tui.DimStyle.Render(detail))
}
