package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentMode selects the Frame Ingestion Pipeline implementation, as the
// static YAML config's "mode" key.
type DeploymentMode string

const (
	ModeLocal  DeploymentMode = "local"
	ModeRemote DeploymentMode = "remote"
)

// Static is the static deployment configuration for one driver instance:
// control-server endpoint, timeouts, retention, and deployment mode. It is
// deliberately separate from the per-run acquisition parameters (acq.Params),
// which a caller supplies at Prepare time.
type Static struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Mode DeploymentMode `yaml:"mode"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ReconnectOnDemand bool       `yaml:"reconnect_on_demand"`

	WatchDir     string `yaml:"watch_dir"`
	FilePattern  string `yaml:"file_pattern"`
	Retention    int    `yaml:"retention"`

	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	BytesPerPixel int `yaml:"bytes_per_pixel"`

	MinLatency time.Duration `yaml:"min_latency"`

	TempLimits     []float64 `yaml:"temp_limits"`
	HumidityLimits []float64 `yaml:"humidity_limits"`

	CameraDefPath string `yaml:"camera_def_path"`

	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsListen   string `yaml:"metrics_listen"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
}

// withDefaults fills in the zero-value fields a driver cannot run without.
func (s Static) withDefaults() Static {
	if s.Mode == "" {
		s.Mode = ModeLocal
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = 10 * time.Second
	}
	if s.FilePattern == "" {
		s.FilePattern = "image_%.5d.cbf"
	}
	if s.BytesPerPixel <= 0 {
		s.BytesPerPixel = 4
	}
	if s.MinLatency <= 0 {
		s.MinLatency = 3 * time.Millisecond
	}
	return s
}

// LoadStatic reads and parses a YAML static deployment config file.
func LoadStatic(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Static{}, fmt.Errorf("config: read static config: %w", err)
	}
	var s Static
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Static{}, fmt.Errorf("config: parse static config: %w", err)
	}
	return s.withDefaults(), nil
}
