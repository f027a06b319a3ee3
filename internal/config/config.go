package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Server holds the settings for the signaling and data server.
type Server struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	DataPath   string        `mapstructure:"data_path"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

// Client holds the settings for the voice client.
type Client struct {
	ServerURL  string   `mapstructure:"server_url"`
	Username   string   `mapstructure:"username"`
	Room       string   `mapstructure:"room"`
	ICEServers []string `mapstructure:"ice_servers"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}
	return v
}

func LoadServer() (*Server, error) {
	v := newViper()
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("data_path", "./parley.db")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Data: %s\n", cfg.Mode, cfg.Port, cfg.DataPath)
	return &cfg, nil
}

func LoadClient() (*Client, error) {
	v := newViper()
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
