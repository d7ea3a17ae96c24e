package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/pkg/api"
)

// Client registers an execution resource with the orchestrator and keeps its
// utilization fresh via periodic heartbeats.
type Client struct {
	baseURL    string
	resourceID string
	interval   time.Duration
	statPath   string
	httpClient *http.Client
}

type Config struct {
	BaseURL       string
	ResourceID    string
	Kind          string
	Architectures []string
	Toolchains    []string
	Slots         int
	Address       string
	Interval      time.Duration
	// StatPath is the filesystem whose fullness is reported as storage
	// utilization; defaults to the root filesystem.
	StatPath string
}

func New(cfg Config) *Client {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StatPath == "" {
		cfg.StatPath = "/"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		resourceID: cfg.ResourceID,
		interval:   cfg.Interval,
		statPath:   cfg.StatPath,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Register announces the resource. The orchestrator replies with the
// heartbeat interval it expects; a server-side value overrides ours.
func (c *Client) Register(ctx context.Context, cfg Config) error {
	payload := api.RegisterResourceRequest{
		ResourceID:    cfg.ResourceID,
		Kind:          cfg.Kind,
		Architectures: cfg.Architectures,
		Toolchains:    cfg.Toolchains,
		Slots:         cfg.Slots,
		Address:       cfg.Address,
	}
	var resp api.RegisterResourceResponse
	status, err := c.postJSON(ctx, "/v1/resources/", payload, &resp)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		// Already registered from a previous run; heartbeats revive it.
		return nil
	}
	if status >= 300 {
		return fmt.Errorf("register resource: status %d", status)
	}
	if resp.HeartbeatIntervalSeconds > 0 {
		c.interval = time.Duration(resp.HeartbeatIntervalSeconds) * time.Second
	}
	return nil
}

// Run sends heartbeats until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.send(ctx); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) send(ctx context.Context) error {
	payload := api.HeartbeatRequest{
		CPUUtil:       cpuUtilizationPercent(),
		MemoryUtil:    memoryUtilizationPercent(),
		StorageUtil:   storageUtilizationPercent(c.statPath),
		TimestampUnix: time.Now().Unix(),
	}
	status, err := c.postJSON(ctx, "/v1/resources/"+c.resourceID+"/heartbeat", payload, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("heartbeat request failed: status %d", status)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func cpuUtilizationPercent() float64 {
	// Linux loadavg-based estimate normalized by CPU cores.
	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		parts := strings.Fields(string(b))
		if len(parts) > 0 {
			if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
				cpus := float64(runtime.NumCPU())
				if cpus <= 0 {
					cpus = 1
				}
				return clampPercent((v / cpus) * 100.0)
			}
		}
	}
	return 0
}

func memoryUtilizationPercent() float64 {
	if b, err := os.ReadFile("/proc/meminfo"); err == nil {
		var totalKB, availKB float64
		for _, line := range strings.Split(string(b), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "MemTotal:":
				totalKB, _ = strconv.ParseFloat(fields[1], 64)
			case "MemAvailable:":
				availKB, _ = strconv.ParseFloat(fields[1], 64)
			}
		}
		if totalKB > 0 && availKB >= 0 {
			return clampPercent(((totalKB - availKB) / totalKB) * 100.0)
		}
	}
	return 0
}

func storageUtilizationPercent(path string) float64 {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0
	}
	total := float64(fs.Blocks) * float64(fs.Bsize)
	if total <= 0 {
		return 0
	}
	free := float64(fs.Bavail) * float64(fs.Bsize)
	return clampPercent(((total - free) / total) * 100.0)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
