// Package cfg loads and validates batchd configuration: defaults in code,
// an optional TOML file selected by SERVICE_ENV_SETTING, and environment
// overrides with the BATCHD prefix.
package cfg

import (
	"bytes"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/wire"
)

// Config is the full batchd configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" toml:"server"`
	Router RouterConfig `mapstructure:"router" toml:"router"`
	HTTP   HTTPConfig   `mapstructure:"http" toml:"http"`
	Log    LogConfig    `mapstructure:"log" toml:"log"`
}

// ServerConfig shapes the local batching server.
type ServerConfig struct {
	ModelDir              string  `mapstructure:"model_dir" toml:"model_dir"`
	Port                  int     `mapstructure:"port" toml:"port"`
	PortOut               int     `mapstructure:"port_out" toml:"port_out"`
	NumWorker             int     `mapstructure:"num_worker" toml:"num_worker"`
	NumSinks              int     `mapstructure:"num_sinks" toml:"num_sinks"`
	BatchSize             int     `mapstructure:"batch_size" toml:"batch_size"`
	BatchGroupTimeoutMS   int     `mapstructure:"batch_group_timeout" toml:"batch_group_timeout"`
	BatchTimeoutSemantics string  `mapstructure:"batch_timeout_semantics" toml:"batch_timeout_semantics"`
	OnShapeMismatch       string  `mapstructure:"on_shape_mismatch" toml:"on_shape_mismatch"`
	DeviceMap             []int   `mapstructure:"device_map" toml:"device_map"`
	CPU                   bool    `mapstructure:"cpu" toml:"cpu"`
	GPUMemoryFraction     float64 `mapstructure:"gpu_memory_fraction" toml:"gpu_memory_fraction"`
	Protocol              string  `mapstructure:"protocol" toml:"protocol"`
	ClientDeadlineSec     int     `mapstructure:"client_deadline_sec" toml:"client_deadline_sec"`
	DrainTimeoutSec       int     `mapstructure:"drain_timeout_sec" toml:"drain_timeout_sec"`
	ReplyTTLSec           int     `mapstructure:"reply_ttl_sec" toml:"reply_ttl_sec"`
	AutoRespawn           bool    `mapstructure:"auto_respawn" toml:"auto_respawn"`
}

// RouterConfig shapes the decentralized fan-out router.
type RouterConfig struct {
	Port            int    `mapstructure:"port" toml:"port"`
	PortOut         int    `mapstructure:"port_out" toml:"port_out"`
	NumClient       int    `mapstructure:"num_client" toml:"num_client"`
	RemoteServers   string `mapstructure:"remote_servers" toml:"remote_servers"` // JSON array of [host, portIn, portOut]
	DrainTimeoutSec int    `mapstructure:"drain_timeout_sec" toml:"drain_timeout_sec"`
	CtlTimeoutSec   int    `mapstructure:"ctl_timeout_sec" toml:"ctl_timeout_sec"`
}

// HTTPConfig shapes the optional status proxy.
type HTTPConfig struct {
	Port int    `mapstructure:"port" toml:"port"` // 0 disables the proxy
	CORS string `mapstructure:"cors" toml:"cors"`
}

// LogConfig shapes logging output.
type LogConfig struct {
	Dir     string `mapstructure:"dir" toml:"dir"`
	Verbose bool   `mapstructure:"verbose" toml:"verbose"`
}

// Duration accessors: config files carry plain integers, callers want
// time.Duration.

func (s ServerConfig) BatchTimeout() time.Duration {
	return time.Duration(s.BatchGroupTimeoutMS) * time.Millisecond
}

func (s ServerConfig) ClientDeadline() time.Duration {
	return time.Duration(s.ClientDeadlineSec) * time.Second
}

func (s ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutSec) * time.Second
}

func (s ServerConfig) ReplyTTL() time.Duration {
	return time.Duration(s.ReplyTTLSec) * time.Second
}

func (r RouterConfig) DrainTimeout() time.Duration {
	return time.Duration(r.DrainTimeoutSec) * time.Second
}

func (r RouterConfig) CtlTimeout() time.Duration {
	return time.Duration(r.CtlTimeoutSec) * time.Second
}

// Validate rejects configuration that can never serve. Configuration errors
// are fatal at startup and never raised at steady state.
func (c *Config) Validate() error {
	s := c.Server
	if s.NumWorker < 1 {
		return errors.Newf("cfg: num_worker must be >= 1, got %d", s.NumWorker)
	}
	if s.NumSinks < 1 {
		return errors.Newf("cfg: num_sinks must be >= 1, got %d", s.NumSinks)
	}
	if s.BatchSize < 1 {
		return errors.Newf("cfg: batch_size must be >= 1, got %d", s.BatchSize)
	}
	if s.BatchGroupTimeoutMS < 0 {
		return errors.Newf("cfg: batch_group_timeout must be >= 0, got %d", s.BatchGroupTimeoutMS)
	}
	if !wire.Protocol(s.Protocol).Valid() {
		return errors.Newf("cfg: %q is an invalid transfer protocol, must be 'obj' or 'numpy'", s.Protocol)
	}
	if s.GPUMemoryFraction <= 0 || s.GPUMemoryFraction > 1 {
		return errors.Newf("cfg: gpu_memory_fraction must be in (0, 1], got %v", s.GPUMemoryFraction)
	}
	if s.Port < 1 || s.Port > 65535 {
		return errors.Newf("cfg: port %d out of range", s.Port)
	}
	switch s.BatchTimeoutSemantics {
	case "from_last_pull", "from_open":
	default:
		return errors.Newf("cfg: batch_timeout_semantics must be 'from_last_pull' or 'from_open', got %q", s.BatchTimeoutSemantics)
	}
	switch s.OnShapeMismatch {
	case "pad_error", "drop_tail":
	default:
		return errors.Newf("cfg: on_shape_mismatch must be 'pad_error' or 'drop_tail', got %q", s.OnShapeMismatch)
	}
	return nil
}

// RenderTOML renders the config as TOML for show-config style output.
func (c *Config) RenderTOML() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", errors.Wrap(err, "cfg: render config")
	}
	return buf.String(), nil
}
