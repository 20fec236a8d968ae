package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	// DHT engine configuration
	DHTBindAddr      string
	DHTLocalIDHex    string // empty: random
	DHTMaxFriendsSec int
	DHTSecret        string
	DHTBootstraps    []string

	// Orchestrator / persistence
	OutputDir      string
	DatabaseURL    string // empty disables Postgres persistence
	WorkerPoolSize int

	// HTTP status/control API and live feed
	APIPort int

	// Logging
	LogFile string
}

// Load reads configuration from configPath (key=value file, may be
// absent) and then environment variables, which take precedence.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		DHTBindAddr:      "0.0.0.0:34254",
		DHTMaxFriendsSec: 10,
		DHTSecret:        "",
		DHTBootstraps:    nil,

		OutputDir:      "./torrents",
		DatabaseURL:    "",
		WorkerPoolSize: 64,

		APIPort: 8080,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "dht_bind_addr":
			cfg.DHTBindAddr = value
		case "dht_local_id":
			cfg.DHTLocalIDHex = value
		case "dht_max_friends_per_sec":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.DHTMaxFriendsSec = n
			}
		case "dht_secret":
			cfg.DHTSecret = value
		case "dht_bootstraps":
			cfg.DHTBootstraps = splitCSV(value)
		case "output_dir":
			cfg.OutputDir = value
		case "database_url":
			cfg.DatabaseURL = value
		case "worker_pool_size":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.WorkerPoolSize = n
			}
		case "api_port":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.APIPort = n
			}
		case "log_file":
			cfg.LogFile = value
		}
	}
	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("DHT_BIND_ADDR"); v != "" {
		cfg.DHTBindAddr = v
	}
	if v := os.Getenv("DHT_LOCAL_ID"); v != "" {
		cfg.DHTLocalIDHex = v
	}
	if v := os.Getenv("DHT_MAX_FRIENDS_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DHTMaxFriendsSec = n
		}
	}
	if v := os.Getenv("DHT_SECRET"); v != "" {
		cfg.DHTSecret = v
	}
	if v := os.Getenv("DHT_BOOTSTRAPS"); v != "" {
		cfg.DHTBootstraps = splitCSV(v)
	}
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("P2PSPIDER_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
