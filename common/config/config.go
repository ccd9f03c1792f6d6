package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFile = "configs/config.json"
	DebugDir   = "debug"
	DataDir    = "_data"
	EventsDB   = "_data/events.db"

	DefaultWebPort   = 5000
	DefaultFrameRate = 30
)

// Left and right eye landmark indices on the 468-point face mesh.
var (
	LeftEye  = [6]int{33, 160, 158, 133, 153, 144}
	RightEye = [6]int{362, 385, 387, 263, 373, 380}
)

// SourceConfig describes one frame source.
type SourceConfig struct {
	Name      string `json:"name" yaml:"name"`
	Device    string `json:"device" yaml:"device"`   // camera index ("0") or stream URL
	Backend   string `json:"backend" yaml:"backend"` // "opencv" or "ffmpeg"
	Width     int    `json:"width" yaml:"width"`     // 0 keeps the native size
	Height    int    `json:"height" yaml:"height"`
	FrameRate int    `json:"frame_rate" yaml:"frame_rate"`
}

type ActuatorConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms"`
}

type InferenceConfig struct {
	Transport   string `json:"transport" yaml:"transport"` // "http" or "grpc"
	LandmarkURL string `json:"landmark_url" yaml:"landmark_url"`
	DetectorURL string `json:"detector_url" yaml:"detector_url"`
	GRPCAddr    string `json:"grpc_addr" yaml:"grpc_addr"`
	ModelType   string `json:"model_type" yaml:"model_type"`
	TimeoutMs   int    `json:"timeout_ms" yaml:"timeout_ms"`
}

type DrowsinessConfig struct {
	EARThreshold float64 `json:"ear_threshold" yaml:"ear_threshold"`
	SleepSeconds float64 `json:"sleep_seconds" yaml:"sleep_seconds"`
	WakeUpText   string  `json:"wake_up_text" yaml:"wake_up_text"`
}

type SignsConfig struct {
	Confidence       float64 `json:"confidence" yaml:"confidence"`
	SpeakDelaySecs   float64 `json:"speak_delay_seconds" yaml:"speak_delay_seconds"`
	DebouncePerLabel bool    `json:"debounce_per_label" yaml:"debounce_per_label"`
}

type AccidentConfig struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	TimeoutMs int     `json:"timeout_ms" yaml:"timeout_ms"`
}

type TwilioConfig struct {
	AccountSID string `json:"account_sid" yaml:"account_sid"`
	AuthToken  string `json:"auth_token" yaml:"auth_token"`
	From       string `json:"from" yaml:"from"`
	To         string `json:"to" yaml:"to"`
	VoiceCall  bool   `json:"voice_call" yaml:"voice_call"`
}

type VoiceConfig struct {
	Engine       string `json:"engine" yaml:"engine"` // "espeak", "google" or "none"
	Command      string `json:"command" yaml:"command"`
	Player       string `json:"player" yaml:"player"`
	GoogleAPIKey string `json:"google_api_key,omitempty" yaml:"google_api_key,omitempty"`
	QueueSize    int    `json:"queue_size" yaml:"queue_size"`
}

type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"` // empty disables MQTT
	Topic    string `json:"topic" yaml:"topic"`
	ClientID string `json:"client_id" yaml:"client_id"`
}

// Config application configuration structure
type Config struct {
	Driver     SourceConfig     `json:"driver" yaml:"driver"`
	Road       SourceConfig     `json:"road" yaml:"road"`
	Actuator   ActuatorConfig   `json:"actuator" yaml:"actuator"`
	Inference  InferenceConfig  `json:"inference" yaml:"inference"`
	Drowsiness DrowsinessConfig `json:"drowsiness" yaml:"drowsiness"`
	Signs      SignsConfig      `json:"signs" yaml:"signs"`
	Accident   AccidentConfig   `json:"accident" yaml:"accident"`
	Twilio     TwilioConfig     `json:"twilio" yaml:"twilio"`
	Voice      VoiceConfig      `json:"voice" yaml:"voice"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
	StorePath  string           `json:"store_path" yaml:"store_path"`
	WebPort    int              `json:"web_port" yaml:"web_port"`
	FrameRate  int              `json:"frame_rate" yaml:"frame_rate"` // orchestration ticks per second
	Workers    int              `json:"workers" yaml:"workers"`       // max concurrent fire-and-forget tasks
	DebugMode  bool             `json:"debug_mode" yaml:"debug_mode"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Driver: SourceConfig{
			Name:    "driver",
			Device:  "0",
			Backend: "opencv",
		},
		Road: SourceConfig{
			Name:      "road",
			Device:    "http://10.64.179.237:8080/video",
			Backend:   "opencv",
			Width:     640,
			Height:    480,
			FrameRate: 10,
		},
		Actuator: ActuatorConfig{
			BaseURL:   "http://10.64.179.193",
			TimeoutMs: 600,
		},
		Inference: InferenceConfig{
			Transport:   "http",
			LandmarkURL: "http://localhost:8000/landmarks",
			DetectorURL: "http://localhost:8000/detect",
			GRPCAddr:    "localhost:50051",
			ModelType:   "traffic_signs",
			TimeoutMs:   2000,
		},
		Drowsiness: DrowsinessConfig{
			EARThreshold: 0.22,
			SleepSeconds: 3.0,
			WakeUpText:   "Wake up!",
		},
		Signs: SignsConfig{
			Confidence:     0.5,
			SpeakDelaySecs: 3,
		},
		Accident: AccidentConfig{
			Latitude:  15.820556,
			Longitude: 74.498252,
			TimeoutMs: 10000,
		},
		Voice: VoiceConfig{
			Engine:    "espeak",
			Command:   "espeak-ng",
			Player:    "mpg123",
			QueueSize: 8,
		},
		MQTT: MQTTConfig{
			Topic:    "driverhub/events",
			ClientID: "driver-hub",
		},
		StorePath: EventsDB,
		WebPort:   DefaultWebPort,
		FrameRate: DefaultFrameRate,
		Workers:   16,
		LogLevel:  "info",
	}
}

// ActuatorTimeout is the per-command request timeout.
func (c *Config) ActuatorTimeout() time.Duration {
	return time.Duration(c.Actuator.TimeoutMs) * time.Millisecond
}

func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.TimeoutMs) * time.Millisecond
}

func (c *Config) AccidentTimeout() time.Duration {
	return time.Duration(c.Accident.TimeoutMs) * time.Millisecond
}

func (c *Config) SleepThreshold() time.Duration {
	return time.Duration(c.Drowsiness.SleepSeconds * float64(time.Second))
}

func (c *Config) SpeakDelay() time.Duration {
	return time.Duration(c.Signs.SpeakDelaySecs * float64(time.Second))
}

// TickInterval derives the orchestration tick from FrameRate.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}

// Validate rejects values the evaluators and dispatchers cannot run with.
func (c *Config) Validate() error {
	if c.Actuator.BaseURL == "" {
		return errors.New("actuator.base_url is required")
	}
	if c.Actuator.TimeoutMs <= 0 {
		return errors.Errorf("actuator.timeout_ms must be positive, got %d", c.Actuator.TimeoutMs)
	}
	if c.Inference.TimeoutMs <= 0 {
		return errors.Errorf("inference.timeout_ms must be positive, got %d", c.Inference.TimeoutMs)
	}
	if c.Drowsiness.EARThreshold <= 0 {
		return errors.Errorf("drowsiness.ear_threshold must be positive, got %v", c.Drowsiness.EARThreshold)
	}
	if c.Drowsiness.SleepSeconds < 0 {
		return errors.Errorf("drowsiness.sleep_seconds must not be negative, got %v", c.Drowsiness.SleepSeconds)
	}
	if c.Signs.Confidence < 0 || c.Signs.Confidence > 1 {
		return errors.Errorf("signs.confidence must be within [0,1], got %v", c.Signs.Confidence)
	}
	if c.FrameRate <= 0 || c.FrameRate > 120 {
		return errors.Errorf("frame_rate %d out of range (1-120)", c.FrameRate)
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	switch c.Inference.Transport {
	case "http", "grpc":
	default:
		return errors.Errorf("unknown inference.transport %q", c.Inference.Transport)
	}
	return nil
}

// LoadConfig loads configuration from file. A missing file is created with
// the defaults. Files ending in .yaml or .yml are parsed as YAML.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		if err := SaveConfig(config, filename); err != nil {
			return nil, errors.Wrap(err, "failed to create default config")
		}
		return config, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, filename string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create config directory")
		}
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// LoadEnv reads an optional .env file into the process environment.
// A missing file is not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(existing...), "failed to load env file")
}

// ApplyEnv overrides endpoints and secrets from environment variables.
// Returns a list of warnings for values that could not be parsed.
func (c *Config) ApplyEnv() []string {
	var warnings []string

	c.Actuator.BaseURL = getEnv("ESP32_URL", c.Actuator.BaseURL)
	c.Driver.Device = getEnv("DRIVER_CAMERA", c.Driver.Device)
	c.Road.Device = getEnv("ROAD_STREAM_URL", c.Road.Device)
	c.Inference.LandmarkURL = getEnv("LANDMARK_URL", c.Inference.LandmarkURL)
	c.Inference.DetectorURL = getEnv("DETECTOR_URL", c.Inference.DetectorURL)
	c.Inference.GRPCAddr = getEnv("INFERENCE_GRPC_ADDR", c.Inference.GRPCAddr)
	c.Twilio.AccountSID = getEnv("TWILIO_ACCOUNT_SID", c.Twilio.AccountSID)
	c.Twilio.AuthToken = getEnv("TWILIO_AUTH_TOKEN", c.Twilio.AuthToken)
	c.Twilio.From = getEnv("TWILIO_FROM", c.Twilio.From)
	c.Twilio.To = getEnv("TWILIO_TO", c.Twilio.To)
	c.Voice.GoogleAPIKey = getEnv("GOOGLE_TTS_API_KEY", c.Voice.GoogleAPIKey)
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("FRAME_RATE"); v != "" {
		if fps, err := strconv.Atoi(v); err != nil {
			warnings = append(warnings, "invalid FRAME_RATE value '"+v+"', keeping "+strconv.Itoa(c.FrameRate))
		} else if fps <= 0 || fps > 120 {
			warnings = append(warnings, "FRAME_RATE "+v+" out of range (1-120), keeping "+strconv.Itoa(c.FrameRate))
		} else {
			c.FrameRate = fps
		}
	}

	if v := os.Getenv("WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err != nil || port <= 0 || port > 65535 {
			warnings = append(warnings, "invalid WEB_PORT value '"+v+"'")
		} else {
			c.WebPort = port
		}
	}

	if v := os.Getenv("DEBUG"); v != "" {
		c.DebugMode = v != "0" && v != "false"
		if c.DebugMode {
			c.LogLevel = "debug"
		}
	}

	return warnings
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
