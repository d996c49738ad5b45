package health

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/dispatch"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/tunnel"
)

// Probe performs the network checks behind a health evaluation.
type Probe interface {
	// Heartbeat calls an agent's /heartbeat endpoint and returns its metrics.
	Heartbeat(ctx context.Context, baseURL, secret string) (store.Metrics, error)
	// PortOpen reports TCP reachability.
	PortOpen(ctx context.Context, host string, port int) bool
	// CollectSSH gathers gauges over one SSH round trip.
	CollectSSH(ctx context.Context, creds sshx.Credentials) (store.Metrics, error)
}

// metricsPipeline prints, one per line: cpu idle %, "mem_total mem_used"
// in bytes, "disk% disk_total_kb disk_used_kb" for /, uptime seconds.
const metricsPipeline = `top -bn1 | grep -m1 'Cpu(s)' | sed 's/.*[, ]\([0-9.]*\)[%]* *id.*/\1/'; ` +
	`free -b | awk '/^Mem:/ {print $2" "$3}'; ` +
	`df -Pk / | awk 'NR==2 {print $5" "$2" "$3}'; ` +
	`awk '{print int($1)}' /proc/uptime`

// NetProbe is the production Probe.
type NetProbe struct {
	Client  *http.Client
	SSH     sshx.Dialer
	Timeout time.Duration
}

// NewNetProbe returns a probe with per-check timeout.
func NewNetProbe(dialer sshx.Dialer, timeout time.Duration) *NetProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NetProbe{
		Client:  &http.Client{Timeout: timeout},
		SSH:     dialer,
		Timeout: timeout,
	}
}

func (p *NetProbe) Heartbeat(ctx context.Context, baseURL, secret string) (store.Metrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+dispatch.HeartbeatPath, nil)
	if err != nil {
		return store.Metrics{}, err
	}
	req.Header.Set(tunnel.HeaderAgentSecret, secret)

	resp, err := p.Client.Do(req)
	if err != nil {
		return store.Metrics{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return store.Metrics{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return store.Metrics{}, fmt.Errorf("heartbeat returned HTTP %d", resp.StatusCode)
	}
	return decodeHeartbeat(body)
}

// decodeHeartbeat accepts {"metrics":{...}} or the gauges at top level.
func decodeHeartbeat(body []byte) (store.Metrics, error) {
	var wrapped struct {
		Metrics *store.Metrics `json:"metrics"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return store.Metrics{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	if wrapped.Metrics != nil {
		return *wrapped.Metrics, nil
	}
	var m store.Metrics
	if err := json.Unmarshal(body, &m); err != nil {
		return store.Metrics{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	return m, nil
}

func (p *NetProbe) PortOpen(ctx context.Context, host string, port int) bool {
	return sshx.PortOpen(ctx, host, port, p.Timeout)
}

func (p *NetProbe) CollectSSH(ctx context.Context, creds sshx.Credentials) (store.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*p.Timeout)
	defer cancel()

	conn, err := p.SSH.Dial(ctx, creds)
	if err != nil {
		return store.Metrics{}, err
	}
	defer conn.Close()

	out, err := conn.Run(ctx, metricsPipeline)
	if err != nil {
		return store.Metrics{}, fmt.Errorf("metrics pipeline: %w", err)
	}
	return parseMetrics(out)
}

// parseMetrics reads the four-line output of metricsPipeline.
func parseMetrics(out string) (store.Metrics, error) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 4 {
		return store.Metrics{}, fmt.Errorf("metrics pipeline: expected 4 lines, got %d", len(lines))
	}

	var m store.Metrics
	idle, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return m, fmt.Errorf("cpu idle %q: %w", lines[0], err)
	}
	m.CPU = round(100 - idle)

	mem := strings.Fields(lines[1])
	if len(mem) != 2 {
		return m, fmt.Errorf("memory line %q", lines[1])
	}
	if m.MemTotal, err = strconv.ParseInt(mem[0], 10, 64); err != nil {
		return m, fmt.Errorf("mem total: %w", err)
	}
	if m.MemUsed, err = strconv.ParseInt(mem[1], 10, 64); err != nil {
		return m, fmt.Errorf("mem used: %w", err)
	}
	if m.MemTotal > 0 {
		m.RAM = round(float64(m.MemUsed) / float64(m.MemTotal) * 100)
	}

	disk := strings.Fields(lines[2])
	if len(disk) != 3 {
		return m, fmt.Errorf("disk line %q", lines[2])
	}
	if m.Disk, err = strconv.ParseFloat(strings.TrimSuffix(disk[0], "%"), 64); err != nil {
		return m, fmt.Errorf("disk usage: %w", err)
	}
	totalKB, err := strconv.ParseInt(disk[1], 10, 64)
	if err != nil {
		return m, fmt.Errorf("disk total: %w", err)
	}
	usedKB, err := strconv.ParseInt(disk[2], 10, 64)
	if err != nil {
		return m, fmt.Errorf("disk used: %w", err)
	}
	m.DiskTotal, m.DiskUsed = totalKB*1024, usedKB*1024

	if m.Uptime, err = strconv.ParseInt(lines[3], 10, 64); err != nil {
		return m, fmt.Errorf("uptime: %w", err)
	}
	return m, nil
}

func round(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}
