package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the application configuration
type Config struct {
	Detector DetectorConfig `json:"detector"`
	Export   ExportConfig   `json:"export"`
	Server   ServerConfig   `json:"server"`
}

// DetectorConfig holds configuration for the detection backend
type DetectorConfig struct {
	Backend       string  `json:"backend"`
	ServerURL     string  `json:"server_url"`
	Model         string  `json:"model"`
	Prompt        string  `json:"prompt"`
	BoxThreshold  float64 `json:"box_threshold"`
	TextThreshold float64 `json:"text_threshold"`
	IoUThreshold  float64 `json:"iou_threshold"`
	SendFormat    string  `json:"send_format"`
	SendQuality   int     `json:"send_quality"`
	MaxSendDim    int     `json:"max_send_dim"`
}

// ExportConfig holds configuration for annotation export
type ExportConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
}

// ServerConfig holds configuration for the web service
type ServerConfig struct {
	Address      string `json:"address"`
	DatabasePath string `json:"database_path"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Backend:       "dino",
			ServerURL:     "http://localhost:8765",
			Model:         "IDEA-Research/grounding-dino-tiny",
			Prompt:        "person, car, dog, cat",
			BoxThreshold:  0.35,
			TextThreshold: 0.25,
			IoUThreshold:  0.9,
			SendFormat:    "jpg",
			SendQuality:   85,
			MaxSendDim:    1536,
		},
		Export: ExportConfig{
			DefaultFormat: "coco",
			OutputDir:     "./output",
		},
		Server: ServerConfig{
			Address:      ":8080",
			DatabasePath: "./annotator.db",
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides configuration values from ANNOTATOR_* environment
// variables. Call after godotenv has populated the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ANNOTATOR_BACKEND"); v != "" {
		c.Detector.Backend = v
	}
	if v := os.Getenv("ANNOTATOR_SERVER_URL"); v != "" {
		c.Detector.ServerURL = v
	}
	if v := os.Getenv("ANNOTATOR_MODEL"); v != "" {
		c.Detector.Model = v
	}
	if v := os.Getenv("ANNOTATOR_PROMPT"); v != "" {
		c.Detector.Prompt = v
	}
	if v := os.Getenv("ANNOTATOR_BOX_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Detector.BoxThreshold = f
		}
	}
	if v := os.Getenv("ANNOTATOR_TEXT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Detector.TextThreshold = f
		}
	}
	if v := os.Getenv("ANNOTATOR_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("ANNOTATOR_DATABASE"); v != "" {
		c.Server.DatabasePath = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Detector.Backend {
	case "dino", "ollama":
	default:
		return fmt.Errorf("detector.backend must be \"dino\" or \"ollama\"")
	}

	if c.Detector.BoxThreshold < 0 || c.Detector.BoxThreshold > 1 {
		return fmt.Errorf("detector.box_threshold must be between 0 and 1")
	}

	if c.Detector.TextThreshold < 0 || c.Detector.TextThreshold > 1 {
		return fmt.Errorf("detector.text_threshold must be between 0 and 1")
	}

	if c.Detector.IoUThreshold <= 0 || c.Detector.IoUThreshold > 1 {
		return fmt.Errorf("detector.iou_threshold must be between 0 and 1")
	}

	if c.Detector.SendQuality < 1 || c.Detector.SendQuality > 100 {
		return fmt.Errorf("detector.send_quality must be between 1 and 100")
	}

	if c.Detector.MaxSendDim < 1 {
		return fmt.Errorf("detector.max_send_dim must be positive")
	}

	switch c.Export.DefaultFormat {
	case "coco", "voc":
	default:
		return fmt.Errorf("export.default_format must be \"coco\" or \"voc\"")
	}

	if c.Server.Address == "" {
		return fmt.Errorf("server.address cannot be empty")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "annotator", "config.json")
}
