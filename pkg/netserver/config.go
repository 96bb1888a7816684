package netserver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server's full runtime configuration, overlaying
// command-line flags on top of an optional YAML file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	WorldSeed  int64  `yaml:"world_seed"`
	SaveDir    string `yaml:"save_dir"`

	// SaveDirtyInterval and UnloadUnusedPeriod are parsed but not read by
	// the server: the housekeeping jobs run on the fixed
	// housekeeping.SaveDirtySchedule and UnloadUnusedSchedule.
	SaveDirtyInterval  string `yaml:"save_dirty_interval"`
	UnloadUnusedPeriod string `yaml:"unload_unused_period"`
	MaxIdle            string `yaml:"max_idle"`

	ChunkRequestsPerSecond float64 `yaml:"chunk_requests_per_second"`
	ChatMessagesPerSecond  float64 `yaml:"chat_messages_per_second"`
}

// DefaultConfig returns sane defaults that run standalone with no
// config file at all.
func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":27015",
		WorldSeed:              1337,
		SaveDir:                "world",
		SaveDirtyInterval:      "30s",
		UnloadUnusedPeriod:     "60s",
		MaxIdle:                "5m",
		ChunkRequestsPerSecond: 20,
		ChatMessagesPerSecond:  5,
	}
}

// LoadYAMLOverlay reads path and overlays any fields it sets onto cfg.
// A missing file is not an error — it just means "use defaults plus
// flags".
func LoadYAMLOverlay(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("netserver: open config %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("netserver: parse config %s: %w", path, err)
	}
	return nil
}
