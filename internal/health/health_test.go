package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TransferAdmitted("http://example.com/")
	m.BytesReceived(100)
	m.BytesReceived(28)
	m.TransferPaused(true)
	m.TransferPaused(true)
	m.TransferPaused(false)
	m.TransferCompleted(200, 128, time.Second)
	m.TransferCompleted(-28, 0, 2*time.Second)

	if v := counterValue(t, m.TransfersAdmitted); v != 1 {
		t.Errorf("admitted = %v", v)
	}
	if v := counterValue(t, m.ReceivedBytes); v != 128 {
		t.Errorf("bytes = %v", v)
	}
	if v := gaugeValue(t, m.TransfersPaused); v != 1 {
		t.Errorf("paused = %v", v)
	}
	if v := counterValue(t, m.TransfersCompleted.WithLabelValues("success", "200")); v != 1 {
		t.Errorf("success = %v", v)
	}
	if v := counterValue(t, m.TransfersCompleted.WithLabelValues("error", "-28")); v != 1 {
		t.Errorf("timeouts = %v", v)
	}
}

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetQueuedJobs(3)

	s := NewServer(config.Metrics{Address: ":0", Path: "/metrics"}, reg, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		return resp.StatusCode, sb.String()
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready = %d", code)
	}
	s.SetReady(true)
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz = %d", code)
	}
	if _, body := get("/metrics"); !strings.Contains(body, "fetchmux_queued_jobs 3") {
		t.Errorf("metrics body missing queued jobs:\n%s", body)
	}
}

func TestGRPCHealth(t *testing.T) {
	g, err := NewGRPCServer("127.0.0.1:0", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go g.Start()
	defer g.Stop()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, err := NewChecker(protocol.ClientConfig{TLSInsecure: true}, 2*time.Second, m, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	target := ParseTarget(g.Addr(), ServiceName)
	if target.Kind != KindGRPC {
		t.Fatalf("kind = %q", target.Kind)
	}

	if res := c.Check(context.Background(), target); res[0].Healthy {
		t.Errorf("not-serving service reported healthy: %+v", res[0])
	}

	g.SetServing(true)
	if res := c.Check(context.Background(), target); !res[0].Healthy {
		t.Errorf("serving service reported unhealthy: %+v", res[0])
	}
	if !c.IsHealthy(target.Name) {
		t.Error("IsHealthy = false")
	}
	if v := gaugeValue(t, m.TargetHealth.WithLabelValues(target.Name)); v != 1 {
		t.Errorf("target_health = %v", v)
	}
}

func TestHTTPProbe(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	c, err := NewChecker(protocol.ClientConfig{}, time.Second, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	res := c.Check(context.Background(), ParseTarget(ok.URL, ""), ParseTarget(bad.URL, ""))
	if !res[0].Healthy || res[0].Code != 200 {
		t.Errorf("ok = %+v", res[0])
	}
	if res[1].Healthy || res[1].Code != 500 {
		t.Errorf("bad = %+v", res[1])
	}
}

func TestSummary(t *testing.T) {
	s := NewSummary()
	if snap := s.Snapshot(); snap.Count != 0 || snap.P99 != 0 {
		t.Fatalf("empty snapshot = %+v", snap)
	}

	for i := 1; i <= 100; i++ {
		s.Record(time.Duration(i)*time.Millisecond, 1000, i%10 != 0)
	}
	snap := s.Snapshot()
	if snap.Count != 100 || snap.Failed != 10 || snap.TotalBytes != 100000 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.P50 < 49*time.Millisecond || snap.P50 > 51*time.Millisecond {
		t.Errorf("p50 = %v", snap.P50)
	}
	if snap.Max < 99*time.Millisecond || snap.Max > 101*time.Millisecond {
		t.Errorf("max = %v", snap.Max)
	}
	if snap.P50Size < 999 || snap.P50Size > 1001 {
		t.Errorf("p50 size = %d", snap.P50Size)
	}

	s.Reset()
	if snap := s.Snapshot(); snap.Count != 0 || snap.TotalBytes != 0 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
}
