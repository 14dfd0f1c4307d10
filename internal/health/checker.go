package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fetchmux/pkg/protocol"
	"go.uber.org/zap"
)

// Kind selects the protocol used to probe a target.
type Kind string

const (
	KindHTTP Kind = "http"
	KindGRPC Kind = "grpc"
)

// Target is an endpoint checked by the Checker.
type Target struct {
	Name    string
	URL     string
	Kind    Kind
	Service string // gRPC health service name
}

// Result is the outcome of one probe.
type Result struct {
	Target   string        `json:"target"`
	Healthy  bool          `json:"healthy"`
	Code     int           `json:"code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Checker probes HTTP and gRPC health endpoints.
type Checker struct {
	timeout  time.Duration
	metrics  *Metrics
	clients  map[Kind]protocol.Client
	statuses map[string]bool
	mu       sync.RWMutex
	log      *zap.Logger
}

// NewChecker creates a new health checker. metrics may be nil.
func NewChecker(cfg protocol.ClientConfig, timeout time.Duration, metrics *Metrics, log *zap.Logger) (*Checker, error) {
	httpClient, err := protocol.NewHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	return &Checker{
		timeout: timeout,
		metrics: metrics,
		clients: map[Kind]protocol.Client{
			KindHTTP: httpClient,
			KindGRPC: protocol.NewGRPCClient(cfg),
		},
		statuses: make(map[string]bool),
		log:      log.With(zap.String("component", "health")),
	}, nil
}

// ParseTarget guesses the probe kind from addr: grpc:// prefixes and bare
// host:port pairs are gRPC, anything with another scheme is HTTP.
func ParseTarget(addr, service string) Target {
	switch {
	case strings.HasPrefix(addr, "grpc://"):
		return Target{Name: addr, URL: strings.TrimPrefix(addr, "grpc://"), Kind: KindGRPC, Service: service}
	case strings.Contains(addr, "://"):
		return Target{Name: addr, URL: addr, Kind: KindHTTP}
	default:
		return Target{Name: addr, URL: addr, Kind: KindGRPC, Service: service}
	}
}

// Check probes every target concurrently.
func (c *Checker) Check(ctx context.Context, targets ...Target) []Result {
	results := make([]Result, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = c.checkTarget(ctx, t)
		}(i, target)
	}
	wg.Wait()

	return results
}

// checkTarget performs a health check on a single target.
func (c *Checker) checkTarget(ctx context.Context, target Target) Result {
	client, ok := c.clients[target.Kind]
	if !ok {
		client = c.clients[KindHTTP]
	}

	req := &protocol.Request{
		URL:     target.URL,
		Method:  "GET",
		Timeout: c.timeout,
	}
	if target.Kind == KindGRPC {
		req.Method = target.Service
	}

	resp := client.Do(ctx, req)

	var healthy bool
	if target.Kind == KindGRPC {
		healthy = resp.Error == nil && resp.StatusCode == 0
	} else {
		healthy = resp.Error == nil && resp.StatusCode >= 200 && resp.StatusCode < 400
	}

	c.mu.Lock()
	prev, seen := c.statuses[target.Name]
	c.statuses[target.Name] = healthy
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetTargetHealth(target.Name, healthy)
	}

	if seen && prev != healthy {
		if healthy {
			c.log.Info("target is now healthy", zap.String("target", target.Name))
		} else {
			c.log.Warn("target is now unhealthy", zap.String("target", target.Name), zap.Error(resp.Error))
		}
	}

	res := Result{
		Target:   target.Name,
		Healthy:  healthy,
		Code:     resp.StatusCode,
		Duration: resp.Duration,
	}
	if resp.Error != nil {
		res.Error = resp.Error.Error()
	}
	return res
}

// IsHealthy returns whether a target was healthy on its last check.
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statuses[name]
}

// Stop releases the probe clients.
func (c *Checker) Stop() {
	for _, client := range c.clients {
		client.Close()
	}
}
