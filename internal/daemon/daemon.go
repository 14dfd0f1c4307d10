package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/internal/health"
	"github.com/fetchmux/internal/worker"
	"github.com/fetchmux/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	SocketName = "fetchmux.sock"
	PidFile    = "fetchmux.pid"
	LogFile    = "fetchmux.log"
)

// Command types understood by the daemon.
const (
	CmdStatus  = "status"
	CmdFetch   = "fetch"
	CmdResults = "results"
	CmdStop    = "stop"
)

// Status represents the current daemon status
type Status struct {
	Running   bool              `json:"running"`
	Pid       int               `json:"pid"`
	StartTime time.Time         `json:"start_time"`
	Uptime    string            `json:"uptime"`
	Metrics   string            `json:"metrics,omitempty"`
	Stats     worker.Stats      `json:"stats"`
	Summary   health.Snapshot   `json:"summary"`
	Progress  []worker.Progress `json:"progress,omitempty"`
}

// Command represents a command sent to the daemon
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response represents a response from the daemon
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Daemon runs the download runner in the background and serves commands
// over a Unix socket.
type Daemon struct {
	cfg        *config.Config
	runtimeDir string

	mgr      *transfer.Manager
	runner   *worker.Runner
	metrics  *health.Metrics
	registry *prometheus.Registry
	server   *health.Server
	grpc     *health.GRPCServer

	status     Status
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	listener   net.Listener
	socketPath string
	log        *zap.Logger
	closeLog   func()
	stopOnce   sync.Once
	done       chan struct{}
}

// GetRuntimeDir returns the runtime directory for fetchmux
func GetRuntimeDir() string {
	// Use XDG_RUNTIME_DIR if available, otherwise use /tmp
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "fetchmux")
	}
	return filepath.Join(os.TempDir(), "fetchmux")
}

// GetSocketPath returns the full path to the socket file
func GetSocketPath() string {
	return filepath.Join(GetRuntimeDir(), SocketName)
}

// GetPidPath returns the full path to the pid file
func GetPidPath() string {
	return filepath.Join(GetRuntimeDir(), PidFile)
}

// GetLogPath returns the full path to the log file
func GetLogPath() string {
	return filepath.Join(GetRuntimeDir(), LogFile)
}

// New creates a daemon keeping its socket, pid and log files in runtimeDir.
// An empty runtimeDir selects GetRuntimeDir.
func New(cfg *config.Config, runtimeDir string) (*Daemon, error) {
	if runtimeDir == "" {
		runtimeDir = GetRuntimeDir()
	}
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	log, closeLog, err := NewFileLogger(filepath.Join(runtimeDir, LogFile), cfg.Transfer.Developer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		cfg:        cfg,
		runtimeDir: runtimeDir,
		ctx:        ctx,
		cancel:     cancel,
		socketPath: filepath.Join(runtimeDir, SocketName),
		log:        log,
		closeLog:   closeLog,
		done:       make(chan struct{}),
		status: Status{
			Running: true,
			Pid:     os.Getpid(),
		},
	}, nil
}

// SocketPath returns the socket the daemon listens on.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// Done is closed once the daemon has stopped.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Start initializes the components, queues the configured jobs and begins
// accepting commands.
func (d *Daemon) Start() error {
	d.log.Info("starting fetchmux daemon", zap.String("runtime_dir", d.runtimeDir))

	pidPath := filepath.Join(d.runtimeDir, PidFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}

	// Remove existing socket if present
	os.Remove(d.socketPath)

	var err error
	d.listener, err = net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = health.NewMetrics(d.registry)

	transfer.SetLogger(d.log)
	d.mgr, err = transfer.New(d.cfg.Transfer.TransferConfig(), transfer.WithObserver(d.metrics))
	if err != nil {
		d.listener.Close()
		return err
	}
	d.runner = worker.NewRunner(d.mgr, d.cfg.Runner, d.cfg.Transfer.Interface, d.metrics, d.log)

	if d.cfg.Metrics.Enabled {
		d.server = health.NewServer(d.cfg.Metrics, d.registry, d.log)
		go func() {
			if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("metrics server error", zap.Error(err))
			}
		}()
		d.status.Metrics = d.cfg.Metrics.Address
	}
	if d.cfg.Metrics.GRPCAddress != "" {
		d.grpc, err = health.NewGRPCServer(d.cfg.Metrics.GRPCAddress, d.log)
		if err != nil {
			d.log.Error("grpc health server disabled", zap.Error(err))
		} else {
			go func() {
				if err := d.grpc.Start(); err != nil {
					d.log.Error("grpc health server error", zap.Error(err))
				}
			}()
		}
	}

	d.runner.Start(d.ctx)
	for _, job := range d.cfg.Jobs {
		if err := d.runner.Submit(job); err != nil {
			d.log.Warn("failed to queue job", zap.String("job", job.Name), zap.Error(err))
		}
	}

	d.mu.Lock()
	d.status.StartTime = time.Now()
	d.mu.Unlock()

	if d.server != nil {
		d.server.SetReady(true)
	}
	if d.grpc != nil {
		d.grpc.SetServing(true)
	}

	d.log.Info("daemon started",
		zap.String("socket", d.socketPath),
		zap.Int("jobs", len(d.cfg.Jobs)),
	)

	go d.acceptConnections()

	return nil
}

// Fetch queues one job.
func (d *Daemon) Fetch(job config.Job) error {
	return d.runner.Submit(job)
}

// GetStatus returns the current status
func (d *Daemon) GetStatus() Status {
	d.mu.RLock()
	status := d.status
	d.mu.RUnlock()

	if !status.StartTime.IsZero() {
		status.Uptime = time.Since(status.StartTime).Round(time.Second).String()
	}
	if d.runner != nil {
		status.Stats = d.runner.Stats()
		status.Summary = d.runner.Summary()
		status.Progress = d.runner.Progress()
	}
	return status
}

// Stop drains the runner and releases every resource. It is safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	d.log.Info("stopping daemon")

	if d.server != nil {
		d.server.SetReady(false)
	}
	if d.grpc != nil {
		d.grpc.SetServing(false)
	}
	if d.runner != nil {
		d.runner.Drain(d.cfg.Runner.ShutdownTimeout)
	}

	d.cancel()

	if d.runner != nil {
		d.runner.Stop()
	}
	if d.mgr != nil {
		d.mgr.Close()
	}
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.server.Stop(ctx)
	}
	if d.grpc != nil {
		d.grpc.Stop()
	}
	if d.listener != nil {
		d.listener.Close()
	}

	os.Remove(d.socketPath)
	os.Remove(filepath.Join(d.runtimeDir, PidFile))

	d.mu.Lock()
	d.status.Running = false
	d.mu.Unlock()

	if d.runner != nil {
		st, sum := d.runner.Stats(), d.runner.Summary()
		d.log.Info(fmt.Sprintf("SUMMARY: completed=%d failed=%d dropped=%d bytes=%d p50=%s p99=%s",
			st.Completed, st.Failed, st.Dropped, st.Bytes, sum.P50, sum.P99))
	}
	d.log.Info("daemon stopped")
	d.closeLog()
	close(d.done)
}

func (d *Daemon) acceptConnections() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn("accept error", zap.Error(err))
			continue
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd Command
	if err := decoder.Decode(&cmd); err != nil {
		encoder.Encode(Response{Success: false, Message: err.Error()})
		return
	}

	var resp Response

	switch cmd.Type {
	case CmdStatus:
		resp = reply(d.GetStatus())

	case CmdResults:
		resp = reply(d.runner.Results())

	case CmdFetch:
		var job config.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			resp = Response{Success: false, Message: "invalid job: " + err.Error()}
			break
		}
		if err := d.Fetch(job); err != nil {
			resp = Response{Success: false, Message: err.Error()}
			break
		}
		resp = Response{Success: true, Message: "queued " + job.URL}

	case CmdStop:
		encoder.Encode(Response{Success: true, Message: "Stopping daemon..."})
		go d.Stop()
		return

	default:
		resp = Response{Success: false, Message: "Unknown command: " + cmd.Type}
	}

	encoder.Encode(resp)
}

func reply(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	return Response{Success: true, Data: data}
}

// IsRunning checks if a daemon is already running
func IsRunning() bool {
	conn, err := net.Dial("unix", GetSocketPath())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SendCommand sends a command to the running daemon
func SendCommand(cmd Command) (*Response, error) {
	return Send(GetSocketPath(), cmd)
}

// Send sends a command to the daemon listening on socketPath.
func Send(socketPath string, cmd Command) (*Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not running: %w", err)
	}
	defer conn.Close()

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	if err := encoder.Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &resp, nil
}

// NewCommand builds a command carrying data as JSON.
func NewCommand(typ string, data any) (Command, error) {
	cmd := Command{Type: typ}
	if data == nil {
		return cmd, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return cmd, fmt.Errorf("failed to encode command: %w", err)
	}
	cmd.Data = raw
	return cmd, nil
}
