// Package config holds the service configuration.
// Configuration comes from a JSON file, which is then overridden by HAZARD_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/hazards/pkg/kibi"
	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/cyclopcam/hazards/pkg/tracking"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string          `json:"listenAddr"` // eg ":8080"
	Model      ModelConfig     `json:"model"`
	Tracking   tracking.Config `json:"tracking"`
	Sessions   SessionsConfig  `json:"sessions"`
	HTTP       HTTPConfig      `json:"http"`
	Archive    *StorageConfig  `json:"archive"` // Optional write-through archive of reports
	Kafka      *KafkaConfig    `json:"kafka"`   // Optional publishing of report events
}

type ModelConfig struct {
	InputSize          int     `json:"inputSize"`          // Width and height of the square model input
	BackendURL         string  `json:"backendURL"`         // Base URL of the inference service. Empty means no backend.
	ConfigFile         string  `json:"configFile"`         // JSON model config saved alongside the weights. Empty means yolov5 at inputSize.
	ClassesFile        string  `json:"classesFile"`        // Text file with one class name per line. Empty means the built-in hazard classes.
	ConfThreshold      float32 `json:"confThreshold"`      // Minimum objectness and class confidence when decoding
	IouThreshold       float32 `json:"iouThreshold"`       // NMS IoU threshold
	PadValue           int     `json:"padValue"`           // Gray value of letterbox padding
	InferenceTimeoutMS int     `json:"inferenceTimeoutMS"` // Zero means no timeout
	HealthIntervalSec  int     `json:"healthIntervalSec"`  // How often we poll the backend's health
}

type SessionsConfig struct {
	RetentionMinutes int  `json:"retentionMinutes"` // Ended sessions are purged after this long. Zero keeps them until restart.
	Snapshots        bool `json:"snapshots"`        // Keep an annotated JPEG with every new report
}

type HTTPConfig struct {
	MaxImageBytes       int64    `json:"maxImageBytes"`
	MaxImagePixels      int      `json:"maxImagePixels"`      // Width x height limit, checked before an image is decoded
	DetectRatePerMinute int      `json:"detectRatePerMinute"` // Per client IP. Zero disables rate limiting.
	AllowedOrigins      []string `json:"allowedOrigins"`      // CORS
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

type KafkaConfig struct {
	BootstrapServers string `json:"bootstrapServers"`
	Topic            string `json:"topic"`
	SecurityProtocol string `json:"securityProtocol"` // eg SASL_SSL. Empty uses the librdkafka default.
	SASLMechanism    string `json:"saslMechanism"`
	SASLUsername     string `json:"saslUsername"`
	SASLPassword     string `json:"saslPassword"`
}

func Default() *Config {
	detection := nn.NewDetectionParams()
	return &Config{
		ListenAddr: ":8080",
		Model: ModelConfig{
			InputSize:          nn.DefaultInputSize,
			ConfThreshold:      detection.ProbabilityThreshold,
			IouThreshold:       detection.NmsIouThreshold,
			PadValue:           nn.DefaultPadValue,
			InferenceTimeoutMS: 30000,
			HealthIntervalSec:  15,
		},
		Tracking: tracking.DefaultConfig(),
		Sessions: SessionsConfig{
			Snapshots: true,
		},
		HTTP: HTTPConfig{
			MaxImageBytes:       10 * 1024 * 1024,
			MaxImagePixels:      50 * 1000 * 1000,
			DetectRatePerMinute: 600,
			AllowedOrigins:      []string{"*"},
		},
	}
}

// Load reads the JSON config file at 'filename' on top of the defaults, and then applies
// environment overrides. If filename is empty, only the defaults and the environment are used.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("Error loading %v: %w", filename, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process environment.
// A missing file is not an error.
func LoadEnvFile(filename string) error {
	err := godotenv.Load(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides config values with any HAZARD_* environment variables that are set
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%v: %w", key, err))
				return
			}
			*dst = i
		}
	}
	f32 := func(key string, dst *float32) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%v: %w", key, err))
				return
			}
			*dst = float32(f)
		}
	}
	f64 := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%v: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("HAZARD_LISTEN_ADDR", &c.ListenAddr)
	str("HAZARD_BACKEND_URL", &c.Model.BackendURL)
	str("HAZARD_CLASSES_FILE", &c.Model.ClassesFile)
	str("HAZARD_MODEL_CONFIG_FILE", &c.Model.ConfigFile)
	num("HAZARD_INPUT_SIZE", &c.Model.InputSize)
	f32("HAZARD_CONF_THRESHOLD", &c.Model.ConfThreshold)
	f32("HAZARD_IOU_THRESHOLD", &c.Model.IouThreshold)
	num("HAZARD_INFERENCE_TIMEOUT_MS", &c.Model.InferenceTimeoutMS)
	f32("HAZARD_DISTANCE_THRESHOLD", &c.Tracking.DistanceThreshold)
	f64("HAZARD_TIME_THRESHOLD", &c.Tracking.TimeThreshold)
	f32("HAZARD_MIN_CONFIDENCE", &c.Tracking.MinConfidence)
	f64("HAZARD_WINDOW_MAX_AGE", &c.Tracking.WindowMaxAge)
	num("HAZARD_SESSION_RETENTION_MINUTES", &c.Sessions.RetentionMinutes)
	num("HAZARD_MAX_IMAGE_PIXELS", &c.HTTP.MaxImagePixels)

	if v, ok := os.LookupEnv("HAZARD_MAX_IMAGE_SIZE"); ok {
		if size, err := kibi.ParseBytes(v); err != nil {
			errs = append(errs, fmt.Errorf("HAZARD_MAX_IMAGE_SIZE: %w", err))
		} else {
			c.HTTP.MaxImageBytes = size
		}
	}

	if v, ok := os.LookupEnv("HAZARD_ALLOWED_ORIGINS"); ok {
		c.HTTP.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.HTTP.AllowedOrigins = append(c.HTTP.AllowedOrigins, o)
			}
		}
	}

	if v, ok := os.LookupEnv("HAZARD_ARCHIVE_ROOT"); ok && v != "" {
		c.Archive = &StorageConfig{Filesystem: &StorageConfigFS{Root: v}}
	}
	if v, ok := os.LookupEnv("HAZARD_ARCHIVE_GCS_BUCKET"); ok && v != "" {
		c.Archive = &StorageConfig{GCS: &StorageConfigGCS{Bucket: v}}
	}

	if v, ok := os.LookupEnv("HAZARD_KAFKA_BOOTSTRAP_SERVERS"); ok && v != "" {
		if c.Kafka == nil {
			c.Kafka = &KafkaConfig{Topic: "hazard-reports"}
		}
		c.Kafka.BootstrapServers = v
	}
	if c.Kafka != nil {
		str("HAZARD_KAFKA_TOPIC", &c.Kafka.Topic)
		str("HAZARD_KAFKA_SECURITY_PROTOCOL", &c.Kafka.SecurityProtocol)
		str("HAZARD_KAFKA_SASL_MECHANISM", &c.Kafka.SASLMechanism)
		str("HAZARD_KAFKA_SASL_USERNAME", &c.Kafka.SASLUsername)
		str("HAZARD_KAFKA_SASL_PASSWORD", &c.Kafka.SASLPassword)
	}

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if c.Model.InputSize <= 0 {
		return fmt.Errorf("model inputSize must be positive, not %v", c.Model.InputSize)
	}
	if c.Model.ConfThreshold <= 0 || c.Model.ConfThreshold > 1 {
		return fmt.Errorf("model confThreshold must be greater than 0 and at most 1, not %v", c.Model.ConfThreshold)
	}
	if c.Model.IouThreshold <= 0 || c.Model.IouThreshold > 1 {
		return fmt.Errorf("model iouThreshold must be greater than 0 and at most 1, not %v", c.Model.IouThreshold)
	}
	if c.Model.PadValue < 0 || c.Model.PadValue > 255 {
		return fmt.Errorf("model padValue must be between 0 and 255, not %v", c.Model.PadValue)
	}
	if c.Model.InferenceTimeoutMS < 0 || c.Model.HealthIntervalSec < 0 {
		return fmt.Errorf("model timeouts may not be negative")
	}
	if err := c.Tracking.Validate(); err != nil {
		return err
	}
	if c.Sessions.RetentionMinutes < 0 {
		return fmt.Errorf("sessions retentionMinutes may not be negative")
	}
	if c.HTTP.MaxImageBytes <= 0 {
		return fmt.Errorf("http maxImageBytes must be positive")
	}
	if c.HTTP.MaxImagePixels <= 0 {
		return fmt.Errorf("http maxImagePixels must be positive")
	}
	if c.HTTP.DetectRatePerMinute < 0 {
		return fmt.Errorf("http detectRatePerMinute may not be negative")
	}
	if c.Archive != nil {
		if (c.Archive.Filesystem == nil) == (c.Archive.GCS == nil) {
			return fmt.Errorf("archive must specify exactly one of 'filesystem' or 'gcs'")
		}
	}
	if c.Kafka != nil && (c.Kafka.BootstrapServers == "" || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka requires bootstrapServers and topic")
	}
	return nil
}

func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Model.InferenceTimeoutMS) * time.Millisecond
}

func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Model.HealthIntervalSec) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Sessions.RetentionMinutes) * time.Minute
}

// Classes returns the class table, loading it from ClassesFile if one is configured
func (c *Config) Classes() ([]string, error) {
	if c.Model.ClassesFile == "" {
		return nn.HazardClasses, nil
	}
	classes, err := nn.LoadClassFile(c.Model.ClassesFile)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("classes file %v is empty", c.Model.ClassesFile)
	}
	return classes, nil
}

// NetworkConfig returns the description of the model that the backend runs.
// It is read from ConfigFile if one is configured, and the class table from ClassesFile
// takes precedence over the classes in that file.
func (c *Config) NetworkConfig() (*nn.ModelConfig, error) {
	mc := &nn.ModelConfig{
		Architecture: "yolov5",
		Width:        c.Model.InputSize,
		Height:       c.Model.InputSize,
	}
	if c.Model.ConfigFile != "" {
		loaded, err := nn.LoadModelConfig(c.Model.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("Error loading model config %v: %w", c.Model.ConfigFile, err)
		}
		if loaded.Width != c.Model.InputSize || loaded.Height != c.Model.InputSize {
			return nil, fmt.Errorf("model config %v is %vx%v, but inputSize is %v", c.Model.ConfigFile, loaded.Width, loaded.Height, c.Model.InputSize)
		}
		mc = loaded
	}
	if c.Model.ClassesFile != "" || len(mc.Classes) == 0 {
		classes, err := c.Classes()
		if err != nil {
			return nil, err
		}
		mc.Classes = classes
	}
	return mc, nil
}
