package cfg

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/batchd/errors"
)

// Environment names accepted in SERVICE_ENV_SETTING, each mapping to a
// config file under the conf directory.
var envFiles = map[string]string{
	"DEVELOPMENT": "batchd.development.toml",
	"STAGING":     "batchd.staging.toml",
	"PRODUCTION":  "batchd.production.toml",
}

// SetDefaults installs the default configuration onto a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5555)
	v.SetDefault("server.port_out", 5556)
	v.SetDefault("server.num_worker", 1)
	v.SetDefault("server.num_sinks", 2)
	v.SetDefault("server.batch_size", 10)
	v.SetDefault("server.batch_group_timeout", 10)
	v.SetDefault("server.batch_timeout_semantics", "from_last_pull")
	v.SetDefault("server.on_shape_mismatch", "pad_error")
	v.SetDefault("server.cpu", false)
	v.SetDefault("server.gpu_memory_fraction", 0.2)
	v.SetDefault("server.protocol", "obj")
	v.SetDefault("server.client_deadline_sec", 900)
	v.SetDefault("server.drain_timeout_sec", 5)
	v.SetDefault("server.reply_ttl_sec", 0)
	v.SetDefault("server.auto_respawn", false)

	v.SetDefault("router.port", 6555)
	v.SetDefault("router.port_out", 6556)
	v.SetDefault("router.num_client", 1)
	v.SetDefault("router.remote_servers", "[]")
	v.SetDefault("router.drain_timeout_sec", 5)
	v.SetDefault("router.ctl_timeout_sec", 5)

	v.SetDefault("http.port", 0)
	v.SetDefault("http.cors", "*")

	v.SetDefault("log.dir", "")
	v.SetDefault("log.verbose", false)
}

// Load reads configuration: defaults, then the TOML file selected by
// SERVICE_ENV_SETTING (when set), then BATCHD_* environment overrides.
// confDir is where the environment files live; "" means ./conf.
func Load(confDir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if env := os.Getenv("SERVICE_ENV_SETTING"); env != "" {
		file, ok := envFiles[env]
		if !ok {
			return nil, errors.Newf("cfg: SERVICE_ENV_SETTING must be DEVELOPMENT, STAGING or PRODUCTION, got %q", env)
		}
		if confDir == "" {
			confDir = "conf"
		}
		v.SetConfigFile(filepath.Join(confDir, file))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "cfg: read config for %s", env)
		}
	}

	return unmarshal(v)
}

// LoadWithViper unmarshals from a caller-prepared viper instance. Useful
// for tests.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific TOML file.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "cfg: read config file %s", path)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "cfg: unmarshal config")
	}
	return &config, nil
}
