// Package config loads tabletopd's runtime configuration: defaults, an
// optional YAML file, a .env file, environment variables, and finally CLI
// flags, in that override order. Grounded on orbas1-Synnergy's
// pkg/config.Load (the viper/defaults/env-merge shape) and
// walletserver/config.Load (the godotenv-then-os.Getenv fallback shape),
// combined because tabletopd needs both a structured file and the quick
// single-variable overrides the wallet server uses.
package config

import (
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vttcore/pkg/utils"
)

// Config is the unified configuration for a tabletopd process.
type Config struct {
	Server struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		WSPath     string `mapstructure:"ws_path" json:"ws_path"`
	} `mapstructure:"server" json:"server"`

	Session struct {
		MaxPeers        int `mapstructure:"max_peers" json:"max_peers"`
		DebounceMillis  int `mapstructure:"debounce_millis" json:"debounce_millis"`
		RateLimitPerSec int `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
		RateLimitBurst  int `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	} `mapstructure:"session" json:"session"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`

	Asset struct {
		BlobBaseURL string `mapstructure:"blob_base_url" json:"blob_base_url"`
		Workers     int    `mapstructure:"workers" json:"workers"`
	} `mapstructure:"asset" json:"asset"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

func setDefaults() {
	viper.SetDefault("server.listen_addr", ":8765")
	viper.SetDefault("server.ws_path", "/ws")
	viper.SetDefault("session.max_peers", 16)
	viper.SetDefault("session.debounce_millis", 150)
	viper.SetDefault("session.rate_limit_per_sec", 50)
	viper.SetDefault("session.rate_limit_burst", 100)
	viper.SetDefault("storage.data_dir", "data")
	viper.SetDefault("asset.blob_base_url", "http://localhost:9090")
	viper.SetDefault("asset.workers", 3)
	viper.SetDefault("logging.level", "info")
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads defaults, an optional YAML config file named configName under
// configPath (e.g. "default" under "config/"), a .env file, then
// environment variables, in increasing order of precedence, storing the
// result in AppConfig and returning it.
func Load(configPath, configName string) (*Config, error) {
	setDefaults()

	viper.SetConfigName(configName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	_ = godotenv.Load(".env")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TABLETOPD_CONFIG_DIR/
// TABLETOPD_CONFIG_NAME environment variables, falling back to "config" and
// "default" respectively.
func LoadFromEnv() (*Config, error) {
	dir := utils.EnvOrDefault("TABLETOPD_CONFIG_DIR", "config")
	name := utils.EnvOrDefault("TABLETOPD_CONFIG_NAME", "default")
	return Load(dir, name)
}

// RegisterFlags declares the subset of Config overridable from the command
// line on fs, mirroring cmd/synnergy's per-command flag registration
// (String/Int flags read back via Flags().GetString/GetInt rather than
// pointer-bound, since the config file hasn't been loaded yet at flag
// registration time).
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("listen-addr", "", "override server.listen_addr")
	fs.String("ws-path", "", "override server.ws_path")
	fs.Int("max-peers", 0, "override session.max_peers")
	fs.String("log-level", "", "override logging.level")
}

// ApplyFlagOverrides layers any explicitly-set flags from fs onto cfg,
// giving the command line the highest precedence — above the config file
// and environment variables, which Load has already resolved into cfg by
// the time this runs.
func ApplyFlagOverrides(cfg *Config, fs *flag.FlagSet) {
	if fs.Changed("listen-addr") {
		cfg.Server.ListenAddr, _ = fs.GetString("listen-addr")
	}
	if fs.Changed("ws-path") {
		cfg.Server.WSPath, _ = fs.GetString("ws-path")
	}
	if fs.Changed("max-peers") {
		cfg.Session.MaxPeers, _ = fs.GetInt("max-peers")
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level, _ = fs.GetString("log-level")
	}
}
