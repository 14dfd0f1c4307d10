package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fetchmux.yaml")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, `
transfer:
  max_transfers: 8
  timeout: 30s
  proxy: proxy.local:3128
  max_recv_speed: 1048576
jobs:
  - url: https://example.com/maps/wdm1.pk3
    resume: true
  - name: report
    url: https://example.com/submit
    form:
      player: warsow
runner:
  start_rate: 2
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transfer.MaxTransfers != 8 || cfg.Transfer.Timeout != 30*time.Second {
		t.Errorf("transfer = %+v", cfg.Transfer)
	}
	if cfg.Transfer.HighWater != 400*1024 {
		t.Errorf("default high water lost: %d", cfg.Transfer.HighWater)
	}
	if cfg.Runner.StartRate != 2 || cfg.Runner.PumpInterval != 50*time.Millisecond {
		t.Errorf("runner = %+v", cfg.Runner)
	}

	if len(cfg.Jobs) != 2 {
		t.Fatalf("jobs = %d", len(cfg.Jobs))
	}
	j := cfg.Jobs[0]
	if j.Output != "wdm1.pk3" || j.Name != "wdm1.pk3" || j.Method != "GET" || j.Mode != ModeBuffer || !j.Resume {
		t.Errorf("job[0] = %+v", j)
	}
	if cfg.Jobs[1].Method != "POST" {
		t.Errorf("job[1] method = %q", cfg.Jobs[1].Method)
	}

	tc := cfg.Transfer.TransferConfig()
	if tc.MaxTransfers != 8 || tc.Proxy != "proxy.local:3128" || tc.MaxRecvSpeed != 1048576 || tc.Application != "fetchmux" {
		t.Errorf("transfer config = %+v", tc)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "transfer: [", "failed to parse"},
		{"no url", "jobs:\n  - name: x\n", "url is required"},
		{"bad url", "jobs:\n  - url: nowhere\n", "invalid url"},
		{"get with form", "jobs:\n  - url: http://a/b\n    method: get\n    form: {a: b}\n", "requires POST"},
		{"bad mode", "jobs:\n  - url: http://a/b\n    mode: tee\n", "unknown mode"},
		{"watermarks", "transfer:\n  low_water: 9000000\n", "low_water"},
		{"transfers", "transfer:\n  max_transfers: 0\n", "max_transfers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestValidateJobIndex(t *testing.T) {
	j := Job{URL: "http://example.com/"}
	if err := ValidateJob(&j); err != nil {
		t.Fatal(err)
	}
	if j.Output != "index.html" {
		t.Errorf("Output = %q", j.Output)
	}
}
