package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full runtime configuration. Defaults are
// overlaid by an optional YAML file, then by TESTBED_* environment
// variables, so a container can be tuned without shipping a file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store       string `yaml:"store"` // memory|postgres
	PostgresDSN string `yaml:"postgres_dsn"`

	QueueCeiling       int `yaml:"queue_ceiling"`
	AvgJobSeconds      int `yaml:"avg_job_seconds"`
	SchedulerSeconds   int `yaml:"scheduler_seconds"`
	HeartbeatGraceSecs int `yaml:"heartbeat_grace_seconds"`

	UtilizationThreshold float64 `yaml:"utilization_threshold"`

	MaxRetries        int `yaml:"max_retries"`
	CancelTimeoutSecs int `yaml:"cancel_timeout_seconds"`
	ExecWorkers       int `yaml:"exec_workers"`
	DefaultTrials     int `yaml:"default_trials"`
	ExecTimeoutSecs   int `yaml:"exec_timeout_seconds"`
	StallWindowSecs   int `yaml:"stall_window_seconds"`

	WorkRoot string `yaml:"work_root"`

	SSHUser    string `yaml:"ssh_user"`
	SSHKeyPath string `yaml:"ssh_key_path"`

	ArtifactBackend string `yaml:"artifact_backend"` // local|minio
	ArtifactRoot    string `yaml:"artifact_root"`
	MinIOEndpoint   string `yaml:"minio_endpoint"`
	MinIOAccessKey  string `yaml:"minio_access_key"`
	MinIOSecretKey  string `yaml:"minio_secret_key"`
	MinIOBucket     string `yaml:"minio_bucket"`
	MinIOUseSSL     bool   `yaml:"minio_use_ssl"`
}

func Defaults() Config {
	return Config{
		ListenAddr:           ":8080",
		Store:                "memory",
		QueueCeiling:         1000,
		AvgJobSeconds:        90,
		SchedulerSeconds:     10,
		HeartbeatGraceSecs:   90,
		UtilizationThreshold: 85.0,
		MaxRetries:           3,
		CancelTimeoutSecs:    10,
		ExecWorkers:          8,
		DefaultTrials:        5,
		ExecTimeoutSecs:      600,
		StallWindowSecs:      60,
		ArtifactBackend:      "local",
	}
}

// Load builds the effective configuration. The file path may be empty; a
// missing explicitly-named file is an error, but the default path is
// optional.
func Load(path string) (Config, error) {
	cfg := Defaults()
	explicit := path != ""
	if path == "" {
		path = os.Getenv("TESTBED_CONFIG")
		explicit = path != ""
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getenv("TESTBED_LISTEN_ADDR", c.ListenAddr)
	c.Store = getenv("TESTBED_STORE", c.Store)
	c.PostgresDSN = getenv("TESTBED_POSTGRES_DSN", c.PostgresDSN)
	c.QueueCeiling = getenvInt("TESTBED_QUEUE_CEILING", c.QueueCeiling)
	c.AvgJobSeconds = getenvInt("TESTBED_AVG_JOB_SECONDS", c.AvgJobSeconds)
	c.SchedulerSeconds = getenvInt("TESTBED_SCHEDULER_SECONDS", c.SchedulerSeconds)
	c.HeartbeatGraceSecs = getenvInt("TESTBED_HEARTBEAT_GRACE_SECONDS", c.HeartbeatGraceSecs)
	c.UtilizationThreshold = getenvFloat("TESTBED_UTILIZATION_THRESHOLD", c.UtilizationThreshold)
	c.MaxRetries = getenvInt("TESTBED_MAX_RETRIES", c.MaxRetries)
	c.CancelTimeoutSecs = getenvInt("TESTBED_CANCEL_TIMEOUT_SECONDS", c.CancelTimeoutSecs)
	c.ExecWorkers = getenvInt("TESTBED_EXEC_WORKERS", c.ExecWorkers)
	c.DefaultTrials = getenvInt("TESTBED_DEFAULT_TRIALS", c.DefaultTrials)
	c.ExecTimeoutSecs = getenvInt("TESTBED_EXEC_TIMEOUT_SECONDS", c.ExecTimeoutSecs)
	c.StallWindowSecs = getenvInt("TESTBED_STALL_WINDOW_SECONDS", c.StallWindowSecs)
	c.WorkRoot = getenv("TESTBED_WORK_ROOT", c.WorkRoot)
	c.SSHUser = getenv("TESTBED_SSH_USER", c.SSHUser)
	c.SSHKeyPath = getenv("TESTBED_SSH_KEY_PATH", c.SSHKeyPath)
	c.ArtifactBackend = getenv("TESTBED_ARTIFACT_BACKEND", c.ArtifactBackend)
	c.ArtifactRoot = getenv("TESTBED_ARTIFACT_ROOT", c.ArtifactRoot)
	c.MinIOEndpoint = getenv("TESTBED_MINIO_ENDPOINT", c.MinIOEndpoint)
	c.MinIOAccessKey = getenv("TESTBED_MINIO_ACCESS_KEY", c.MinIOAccessKey)
	c.MinIOSecretKey = getenv("TESTBED_MINIO_SECRET_KEY", c.MinIOSecretKey)
	c.MinIOBucket = getenv("TESTBED_MINIO_BUCKET", c.MinIOBucket)
	c.MinIOUseSSL = getenvBool("TESTBED_MINIO_USE_SSL", c.MinIOUseSSL)
}

func (c Config) validate() error {
	switch c.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported TESTBED_STORE value %q", c.Store)
	}
	if c.Store == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("TESTBED_POSTGRES_DSN is required when TESTBED_STORE=postgres")
	}
	switch c.ArtifactBackend {
	case "local", "minio":
	default:
		return fmt.Errorf("unsupported TESTBED_ARTIFACT_BACKEND value %q", c.ArtifactBackend)
	}
	return nil
}

func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerSeconds) * time.Second
}

func (c Config) HeartbeatGrace() time.Duration {
	return time.Duration(c.HeartbeatGraceSecs) * time.Second
}

func (c Config) AvgJobDuration() time.Duration {
	return time.Duration(c.AvgJobSeconds) * time.Second
}

func (c Config) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutSecs) * time.Second
}

func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSecs) * time.Second
}

func (c Config) StallWindow() time.Duration {
	return time.Duration(c.StallWindowSecs) * time.Second
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
