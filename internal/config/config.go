// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every recognized option of the face server.
type Config struct {
	Server      ServerConfig
	Recognition RecognitionConfig
	Storage     StorageConfig
	Cache       CacheConfig
	Database    DatabaseConfig
	LogLevel    string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string
	Port            int
	Debug           bool
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
	GRPCHealthAddr  string // empty disables the gRPC health endpoint
}

// Addr returns the host:port pair the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RecognitionConfig controls matching and the embedding codec.
type RecognitionConfig struct {
	Tolerance        float64
	QualityThreshold float64 // declared for compatibility, not used in matching
	MaxFacesPerUser  int     // reported only; a user holds a single slot
	ModelsDir        string
	Detector         string // "hog" or "cnn"
	MaxImageEdge     int
}

// StorageConfig points at the embedding directory.
type StorageConfig struct {
	Dir   string
	Watch bool
}

// CacheConfig enables the Redis recognition cache when Addr is set.
type CacheConfig struct {
	Addr string
	TTL  time.Duration
}

// DatabaseConfig enables the Postgres event log when DSN is set.
type DatabaseConfig struct {
	DSN string
}

// Load reads the optional dotenv files (default ".env") and then the process
// environment. Variables already set in the environment win over dotenv values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("FACE_DATA_DIR", "./face_data")
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("MAX_FACES_PER_USER", 5)
	v.SetDefault("RECOGNITION_TOLERANCE", 0.6)
	v.SetDefault("FACE_QUALITY_THRESHOLD", 0.8)
	v.SetDefault("FACE_MODELS_DIR", "./models")
	v.SetDefault("FACE_DETECTOR", "hog")
	v.SetDefault("MAX_IMAGE_EDGE", 1600)
	v.SetDefault("MAX_UPLOAD_BYTES", 10<<20)
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("RECOGNITION_CACHE_TTL", 30*time.Second)
	v.SetDefault("WATCH_STORAGE", false)

	// FLASK_* names are accepted for older deployments; plain names take precedence.
	_ = v.BindEnv("host", "HOST", "FLASK_HOST")
	_ = v.BindEnv("port", "PORT", "FLASK_PORT")
	_ = v.BindEnv("debug", "DEBUG", "FLASK_DEBUG")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 5000)
	v.SetDefault("debug", false)

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("host"),
			Port:            v.GetInt("port"),
			Debug:           v.GetBool("debug"),
			MaxUploadBytes:  v.GetInt64("MAX_UPLOAD_BYTES"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
			GRPCHealthAddr:  v.GetString("GRPC_HEALTH_ADDR"),
		},
		Recognition: RecognitionConfig{
			Tolerance:        v.GetFloat64("RECOGNITION_TOLERANCE"),
			QualityThreshold: v.GetFloat64("FACE_QUALITY_THRESHOLD"),
			MaxFacesPerUser:  v.GetInt("MAX_FACES_PER_USER"),
			ModelsDir:        v.GetString("FACE_MODELS_DIR"),
			Detector:         strings.ToLower(strings.TrimSpace(v.GetString("FACE_DETECTOR"))),
			MaxImageEdge:     v.GetInt("MAX_IMAGE_EDGE"),
		},
		Storage: StorageConfig{
			Dir:   v.GetString("FACE_DATA_DIR"),
			Watch: v.GetBool("WATCH_STORAGE"),
		},
		Cache: CacheConfig{
			Addr: v.GetString("REDIS_ADDR"),
			TTL:  v.GetDuration("RECOGNITION_CACHE_TTL"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("DATABASE_DSN"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if tol := c.Recognition.Tolerance; tol <= 0 || math.IsNaN(tol) || math.IsInf(tol, 0) {
		errs = append(errs, errors.New("RECOGNITION_TOLERANCE must be a positive number"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	if c.Recognition.Detector != "hog" && c.Recognition.Detector != "cnn" {
		errs = append(errs, fmt.Errorf("FACE_DETECTOR must be hog or cnn, got %q", c.Recognition.Detector))
	}
	if c.Storage.Dir == "" {
		errs = append(errs, errors.New("FACE_DATA_DIR must not be empty"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	return errors.Join(errs...)
}
