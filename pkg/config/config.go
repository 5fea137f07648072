// Package config provides configuration management for GradScan.
// It loads configuration from YAML files on top of a named performance
// profile that bundles the rate, buffer, and threshold parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile names select a pre-tuned parameter bundle.
const (
	ProfileLowCPU          = "low_cpu"
	ProfileBalanced        = "balanced"
	ProfileHighPerformance = "high_performance"
)

// Config holds all GradScan configuration.
type Config struct {
	Profile     string            `yaml:"profile"`
	Camera      CameraConfig      `yaml:"camera"`
	Capture     CaptureConfig     `yaml:"capture"`
	Matching    MatchingConfig    `yaml:"matching"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds camera device settings.
type CameraConfig struct {
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// CaptureConfig holds the pipeline rate settings.
type CaptureConfig struct {
	DetectionFPS    int `yaml:"detection_fps"`
	DisplayFPS      int `yaml:"display_fps"`
	DetectionWidth  int `yaml:"detection_width"`
	DetectionHeight int `yaml:"detection_height"`
}

// MatchingConfig holds the decision engine settings.
// Threshold fields follow the dynamic threshold formula:
// clamp(base - sampleBonus + attemptPenalty, [min, max]).
type MatchingConfig struct {
	CooldownSeconds   float64 `yaml:"cooldown_seconds"`
	BufferSize        int     `yaml:"buffer_size"`
	RetentionSeconds  float64 `yaml:"retention_seconds"`
	SessionTimeoutSec float64 `yaml:"session_timeout_seconds"`
	MinAttempts       int     `yaml:"min_attempts"`
	MaxAttempts       int     `yaml:"max_attempts"`
	ThresholdBase     float64 `yaml:"threshold_base"`
	ThresholdMin      float64 `yaml:"threshold_min"`
	ThresholdMax      float64 `yaml:"threshold_max"`
	SampleBonus       float64 `yaml:"sample_bonus"`
	SampleBonusCap    float64 `yaml:"sample_bonus_cap"`
	AttemptPenalty    float64 `yaml:"attempt_penalty"`
	AttemptPenaltyCap float64 `yaml:"attempt_penalty_cap"`
	ConsecutiveNeeded int     `yaml:"consecutive_needed"`
	NoiseFloor        float64 `yaml:"noise_floor"`
}

// RecognitionConfig holds face model settings.
type RecognitionConfig struct {
	ModelPath string `yaml:"model_path"`
}

// LivenessConfig holds anti-spoofing settings.
type LivenessConfig struct {
	Enabled           bool    `yaml:"enabled"`
	VarianceThreshold float64 `yaml:"variance_threshold"`
	MinScore          float64 `yaml:"min_score"`
}

// StoreConfig holds student record store settings.
type StoreConfig struct {
	DatabasePath      string `yaml:"database_path"`
	QRCodeDir         string `yaml:"qrcode_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Cooldown returns the attempt cooldown as a duration.
func (m MatchingConfig) Cooldown() time.Duration {
	return time.Duration(m.CooldownSeconds * float64(time.Second))
}

// Retention returns the sample retention window as a duration.
func (m MatchingConfig) Retention() time.Duration {
	return time.Duration(m.RetentionSeconds * float64(time.Second))
}

// SessionTimeout returns the identifier session timeout as a duration.
func (m MatchingConfig) SessionTimeout() time.Duration {
	return time.Duration(m.SessionTimeoutSec * float64(time.Second))
}

// DefaultConfig returns the configuration for the balanced profile.
func DefaultConfig() *Config {
	return ProfileConfig(ProfileBalanced)
}

// ProfileConfig returns the default configuration for a named profile.
// Unknown profiles fall back to balanced.
func ProfileConfig(profile string) *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/gradscan")

	cfg := &Config{
		Profile: profile,
		Camera: CameraConfig{
			Device: "/dev/video0",
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Capture: CaptureConfig{
			DetectionFPS:    2,
			DisplayFPS:      30,
			DetectionWidth:  400,
			DetectionHeight: 300,
		},
		Matching: MatchingConfig{
			CooldownSeconds:   0.8,
			BufferSize:        10,
			RetentionSeconds:  3.0,
			SessionTimeoutSec: 45.0,
			MinAttempts:       5,
			MaxAttempts:       25,
			ThresholdBase:     0.35,
			ThresholdMin:      0.28,
			ThresholdMax:      0.45,
			SampleBonus:       0.01,
			SampleBonusCap:    0.05,
			AttemptPenalty:    0.005,
			AttemptPenaltyCap: 0.03,
			ConsecutiveNeeded: 2,
			NoiseFloor:        0.2,
		},
		Recognition: RecognitionConfig{
			ModelPath: filepath.Join(dataDir, "models"),
		},
		Liveness: LivenessConfig{
			Enabled:           true,
			VarianceThreshold: 200,
			MinScore:          0.5,
		},
		Store: StoreConfig{
			DatabasePath:      filepath.Join(dataDir, "students.db"),
			QRCodeDir:         filepath.Join(dataDir, "qrcodes"),
			EncryptionEnabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "gradscan.log"),
		},
	}

	switch profile {
	case ProfileLowCPU:
		cfg.Capture.DetectionFPS = 1
		cfg.Capture.DisplayFPS = 25
		cfg.Capture.DetectionWidth = 320
		cfg.Capture.DetectionHeight = 240
		cfg.Matching.CooldownSeconds = 1.0
		cfg.Matching.BufferSize = 8
		cfg.Matching.SessionTimeoutSec = 30.0
		cfg.Matching.MinAttempts = 3
		cfg.Matching.MaxAttempts = 15
	case ProfileHighPerformance:
		cfg.Capture.DetectionFPS = 5
		cfg.Capture.DetectionWidth = 640
		cfg.Capture.DetectionHeight = 480
		cfg.Matching.CooldownSeconds = 0.5
		cfg.Matching.BufferSize = 12
		cfg.Matching.SessionTimeoutSec = 60.0
		cfg.Matching.MinAttempts = 8
		cfg.Matching.MaxAttempts = 40
	default:
		cfg.Profile = ProfileBalanced
	}

	return cfg
}

// Load loads configuration from the specified file.
// The file's profile is applied first so explicit values override it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), err
	}

	// First pass to learn the requested profile.
	var probe struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return DefaultConfig(), err
	}

	config := DefaultConfig()
	if probe.Profile != "" {
		config = ProfileConfig(probe.Profile)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/gradscan/gradscan.yaml"); err == nil {
		return Load("/etc/gradscan/gradscan.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/gradscan/gradscan.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Device = ExpandPath(c.Camera.Device)
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Store.DatabasePath = ExpandPath(c.Store.DatabasePath)
	c.Store.QRCodeDir = ExpandPath(c.Store.QRCodeDir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the directories the store and logger need.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{
		filepath.Dir(c.Store.DatabasePath),
		c.Store.QRCodeDir,
		filepath.Dir(c.Logging.File),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}

	if c.Capture.DetectionFPS <= 0 {
		return fmt.Errorf("detection_fps must be positive, got %d", c.Capture.DetectionFPS)
	}
	if c.Capture.DisplayFPS <= 0 {
		return fmt.Errorf("display_fps must be positive, got %d", c.Capture.DisplayFPS)
	}

	m := c.Matching
	if m.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", m.BufferSize)
	}
	if m.CooldownSeconds <= 0 {
		return fmt.Errorf("cooldown_seconds must be positive, got %f", m.CooldownSeconds)
	}
	if m.RetentionSeconds <= 0 {
		return fmt.Errorf("retention_seconds must be positive, got %f", m.RetentionSeconds)
	}
	if m.SessionTimeoutSec <= 0 {
		return fmt.Errorf("session_timeout_seconds must be positive, got %f", m.SessionTimeoutSec)
	}
	if m.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", m.MaxAttempts)
	}
	if m.MinAttempts < 0 || m.MinAttempts > m.MaxAttempts {
		return fmt.Errorf("min_attempts must be in [0, max_attempts], got %d", m.MinAttempts)
	}
	if m.ThresholdMin > m.ThresholdMax {
		return fmt.Errorf("threshold_min %f exceeds threshold_max %f", m.ThresholdMin, m.ThresholdMax)
	}
	if m.ThresholdBase < 0 || m.ThresholdBase > 1 {
		return fmt.Errorf("threshold_base must be between 0 and 1, got %f", m.ThresholdBase)
	}
	if m.ConsecutiveNeeded <= 0 {
		return fmt.Errorf("consecutive_needed must be positive, got %d", m.ConsecutiveNeeded)
	}

	if c.Liveness.MinScore < 0 || c.Liveness.MinScore > 1 {
		return fmt.Errorf("liveness min_score must be between 0 and 1, got %f", c.Liveness.MinScore)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
