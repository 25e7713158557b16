package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	ControlProcess = "process"
	ControlManual  = "manual"

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds all configuration for the server and the agent.
type Config struct {
	Host          string
	Port          string
	LogLevel      string
	ControlSource string
	AgentCommand  []string
	WSURL         string
	Stream        StreamConfig
	Checkpoint    CheckpointConfig
}

type StreamConfig struct {
	FPS     int
	Width   int
	Height  int
	Quality int
}

type CheckpointConfig struct {
	Backend string
	Dir     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	fps, err := getInt("STREAM_FPS", 60)
	if err != nil {
		return nil, err
	}
	width, err := getInt("STREAM_WIDTH", 1280)
	if err != nil {
		return nil, err
	}
	height, err := getInt("STREAM_HEIGHT", 720)
	if err != nil {
		return nil, err
	}
	quality, err := getInt("JPEG_QUALITY", 90)
	if err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", quality)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("STREAM_FPS must be positive, got %d", fps)
	}

	controlSource := getEnv("CONTROL_SOURCE", ControlProcess)
	if controlSource != ControlProcess && controlSource != ControlManual {
		return nil, fmt.Errorf("invalid CONTROL_SOURCE value: %q", controlSource)
	}

	backend := getEnv("CHECKPOINT_BACKEND", BackendFile)
	if backend != BackendFile && backend != BackendSQLite {
		return nil, fmt.Errorf("invalid CHECKPOINT_BACKEND value: %q", backend)
	}

	dir, err := expandHome(getEnv("SIMBRIDGE_CHECKPOINT", "~/.simbridge/checkpoint"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Host:          getEnv("HOST", "0.0.0.0"),
		Port:          getEnv("PORT", "8000"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ControlSource: controlSource,
		AgentCommand:  strings.Fields(os.Getenv("AGENT_COMMAND")),
		WSURL:         getEnv("SIMBRIDGE_WS_URL", "ws://localhost:8000/ws/game"),
		Stream: StreamConfig{
			FPS:     fps,
			Width:   width,
			Height:  height,
			Quality: quality,
		},
		Checkpoint: CheckpointConfig{
			Backend: backend,
			Dir:     dir,
		},
	}, nil
}

// Address returns the listen address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
