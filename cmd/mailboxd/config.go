package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/louspringer/inter-llm-mailbox/pkg/drivers/redis"
	"github.com/louspringer/inter-llm-mailbox/pkg/mailboxcore"
)

// FileConfig is the YAML configuration file layout.
type FileConfig struct {
	Listen  string             `yaml:"listen"`
	Backend redis.Config       `yaml:"backend"`
	Core    mailboxcore.Config `yaml:"core"`
}

// LoadConfig merges the optional YAML file with flag and environment
// overrides bound through viper. Flags win over the file.
func LoadConfig() (*FileConfig, error) {
	cfg := &FileConfig{
		Listen: ":9080",
	}

	if path, _ := rootCmd.PersistentFlags().GetString("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if addr := viper.GetString("backend.address"); addr != "" && (cfg.Backend.Address == "" || flagChanged("redis-addr")) {
		cfg.Backend.Address = addr
	}
	if pw := viper.GetString("backend.password"); pw != "" {
		cfg.Backend.Password = pw
	}
	if flagChanged("redis-db") || cfg.Backend.DB == 0 {
		cfg.Backend.DB = viper.GetInt("backend.db")
	}
	return cfg, nil
}

func flagChanged(name string) bool {
	f := rootCmd.PersistentFlags().Lookup(name)
	return f != nil && f.Changed
}
