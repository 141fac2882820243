package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/granitedb/granite/memengine"
	"github.com/granitedb/granite/server"
)

// FileConfig is the YAML configuration file structure.
type FileConfig struct {
	Host          string              `yaml:"host"`
	Port          int                 `yaml:"port"`
	AdminPort     int                 `yaml:"admin_port"`
	NodeID        string              `yaml:"node_id"`
	Users         map[string]string   `yaml:"users"`
	TableSpaces   []string            `yaml:"tablespaces"`
	PlanCacheSize int                 `yaml:"plan_cache_size"`
	RateLimit     RateLimitFileConfig `yaml:"rate_limit"`
}

type RateLimitFileConfig struct {
	MaxFailedAttempts   int    `yaml:"max_failed_attempts"`
	FailedAttemptWindow string `yaml:"failed_attempt_window"` // e.g., "5m"
	BanDuration         string `yaml:"ban_duration"`          // e.g., "15m"
	MaxConnectionsPerIP int    `yaml:"max_connections_per_ip"`
}

// loadConfigFile loads configuration from a YAML file.
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// env returns the environment variable value or a default.
func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	configFile := flag.String("config", env("GRANITE_CONFIG", ""), "Path to YAML config file (env: GRANITE_CONFIG)")
	host := flag.String("host", "", "Host to bind to (env: GRANITE_HOST)")
	port := flag.Int("port", 0, "Port to listen on (env: GRANITE_PORT)")
	adminPort := flag.Int("admin-port", 0, "Admin HTTP port, 0 disables (env: GRANITE_ADMIN_PORT)")
	nodeID := flag.String("node-id", "", "Node identity (env: GRANITE_NODE_ID)")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Granite - distributed SQL database server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: granite [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  GRANITE_CONFIG       Path to YAML config file\n")
		fmt.Fprintf(os.Stderr, "  GRANITE_HOST         Host to bind to (default: 0.0.0.0)\n")
		fmt.Fprintf(os.Stderr, "  GRANITE_PORT         Port to listen on (default: 7000)\n")
		fmt.Fprintf(os.Stderr, "  GRANITE_ADMIN_PORT   Admin HTTP port (default: disabled)\n")
		fmt.Fprintf(os.Stderr, "  GRANITE_NODE_ID      Node identity (default: local)\n")
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	shutdownLogging := initLogging()
	defer shutdownLogging()

	// Start with defaults.
	cfg := server.Config{
		Host: "0.0.0.0",
		Port: 7000,
		Users: map[string]string{
			"granite": "granite",
		},
		RateLimit: server.DefaultRateLimitConfig(),
	}
	engineNodeID := "local"
	tableSpaces := []string{"default"}

	// Load config file if specified.
	if *configFile != "" {
		fileCfg, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("Failed to load config file.", "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded configuration.", "path", *configFile)

		if fileCfg.Host != "" {
			cfg.Host = fileCfg.Host
		}
		if fileCfg.Port != 0 {
			cfg.Port = fileCfg.Port
		}
		if fileCfg.AdminPort != 0 {
			cfg.AdminPort = fileCfg.AdminPort
		}
		if fileCfg.NodeID != "" {
			engineNodeID = fileCfg.NodeID
		}
		if len(fileCfg.Users) > 0 {
			cfg.Users = fileCfg.Users
		}
		if len(fileCfg.TableSpaces) > 0 {
			tableSpaces = fileCfg.TableSpaces
		}
		if fileCfg.PlanCacheSize > 0 {
			cfg.PlanCacheSize = fileCfg.PlanCacheSize
		}
		if fileCfg.RateLimit.MaxFailedAttempts > 0 {
			cfg.RateLimit.MaxFailedAttempts = fileCfg.RateLimit.MaxFailedAttempts
		}
		if fileCfg.RateLimit.MaxConnectionsPerIP > 0 {
			cfg.RateLimit.MaxConnectionsPerIP = fileCfg.RateLimit.MaxConnectionsPerIP
		}
		if fileCfg.RateLimit.FailedAttemptWindow != "" {
			if d, err := time.ParseDuration(fileCfg.RateLimit.FailedAttemptWindow); err == nil {
				cfg.RateLimit.FailedAttemptWindow = d
			} else {
				slog.Warn("Invalid failed_attempt_window duration.", "error", err)
			}
		}
		if fileCfg.RateLimit.BanDuration != "" {
			if d, err := time.ParseDuration(fileCfg.RateLimit.BanDuration); err == nil {
				cfg.RateLimit.BanDuration = d
			} else {
				slog.Warn("Invalid ban_duration duration.", "error", err)
			}
		}
	}

	// Apply environment variables (override config file).
	if v := os.Getenv("GRANITE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("GRANITE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("GRANITE_ADMIN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.AdminPort = p
		}
	}
	if v := os.Getenv("GRANITE_NODE_ID"); v != "" {
		engineNodeID = v
	}

	// Apply CLI flags (highest priority).
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *adminPort != 0 {
		cfg.AdminPort = *adminPort
	}
	if *nodeID != "" {
		engineNodeID = *nodeID
	}

	engine := memengine.New(engineNodeID, tableSpaces...)

	srv, err := server.New(cfg, engine, engine)
	if err != nil {
		slog.Error("Failed to create server.", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutting down.")
		srv.Close()
		shutdownLogging()
		os.Exit(0)
	}()

	slog.Info("Starting Granite server.", "host", cfg.Host, "port", cfg.Port, "node", engineNodeID)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("Server error.", "error", err)
		os.Exit(1)
	}
}
