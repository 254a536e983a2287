// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gozale/safran-api/internal/imageprocessor"
	"github.com/gozale/safran-api/internal/inference"
	"github.com/gozale/safran-api/internal/storage"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	LogLevel        string
	ShutdownTimeout time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	// RedisAddr is optional; stats are not cached when empty.
	RedisAddr     string
	StatsCacheTTL time.Duration

	JWTSecret   string
	JWTAudience string

	LabelsPath string
	ONNX       inference.ONNXConfig
	Preprocess imageprocessor.Options

	AllowedExtensions []string
	MaxUploadBytes    int64

	// MinIO is used only when MinIO.Endpoint is set.
	MinIO storage.MinIOConfig
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	defaults := imageprocessor.DefaultOptions()
	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:       os.Getenv("GRPC_ADDR"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:    getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=safran port=5432 sslmode=disable"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTAudience:    os.Getenv("JWT_AUDIENCE"),
		LabelsPath:     getEnv("LABELS_PATH", "models/labels.json"),
		ONNX: inference.ONNXConfig{
			ModelPath:   getEnv("MODEL_PATH", "models/model.onnx"),
			LibraryPath: os.Getenv("ONNXRUNTIME_LIB"),
			InputName:   os.Getenv("MODEL_INPUT_NAME"),
			OutputName:  os.Getenv("MODEL_OUTPUT_NAME"),
		},
		Preprocess: imageprocessor.Options{
			Mean:   defaults.Mean,
			Std:    defaults.Std,
			Filter: getEnv("PREPROCESS_FILTER", defaults.Filter),
		},
		AllowedExtensions: splitList(os.Getenv("ALLOWED_EXTENSIONS")),
		MinIO: storage.MinIOConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getEnv("MINIO_BUCKET", "predictions"),
		},
	}

	var err error
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatsCacheTTL, err = getDuration("STATS_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.Preprocess.Size, err = getInt("PREPROCESS_SIZE", defaults.Size); err != nil {
		return nil, err
	}
	maxPixels, err := getInt("PREPROCESS_MAX_PIXELS", int(defaults.MaxPixels))
	if err != nil {
		return nil, err
	}
	cfg.Preprocess.MaxPixels = int64(maxPixels)
	if cfg.Preprocess.Mean, err = getTriple("PREPROCESS_MEAN", defaults.Mean); err != nil {
		return nil, err
	}
	if cfg.Preprocess.Std, err = getTriple("PREPROCESS_STD", defaults.Std); err != nil {
		return nil, err
	}
	maxUpload, err := getInt("MAX_UPLOAD_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	if cfg.MinIO.UseSSL, err = getBool("MINIO_USE_SSL", false); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.Preprocess.MaxPixels <= 0 {
		return errors.New("PREPROCESS_MAX_PIXELS must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getTriple parses three comma separated floats, one per RGB channel.
func getTriple(key string, fallback [3]float32) ([3]float32, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parts := splitList(value)
	if len(parts) != 3 {
		return fallback, fmt.Errorf("invalid %s: want 3 values, got %d", key, len(parts))
	}
	var out [3]float32
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return fallback, fmt.Errorf("invalid %s: %w", key, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
