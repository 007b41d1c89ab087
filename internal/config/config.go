package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"entity-extractor/internal/s3"

	"github.com/joho/godotenv"
)

const (
	DefaultPort        = "8080"
	DefaultModelPath   = "./models/entity_extraction.onnx"
	DefaultGeminiModel = "gemini-2.5-flash"
)

type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string

	ValkeyURL      string
	ValkeyPassword string

	S3         s3.S3Config
	BucketName string

	ModelPath       string
	ModelLabelsPath string
	OnnxLibraryPath string
	ModelInputName  string
	ModelOutputName string
	IntraOpThreads  int

	GeminiAPIKey string
	GeminiModel  string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; existing variables win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from an arbitrary lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:           getenvDefault(getenv, "PORT", DefaultPort),
		LogLevel:       getenv("LOG_LEVEL"),
		DatabaseURL:    getenv("DATABASE_URL"),
		ValkeyURL:      getenv("VALKEY_URL"),
		ValkeyPassword: getenv("VALKEY_PASSWORD"),
		S3: s3.S3Config{
			EndpointURL: getenv("S3_ENDPOINT_URL"),
			Region:      getenv("S3_REGION"),
			AccessKey:   getenv("S3_ACCESS_KEY"),
			SecretKey:   getenv("S3_SECRET_KEY"),
		},
		BucketName:      getenv("S3_BUCKET_NAME"),
		ModelPath:       getenvDefault(getenv, "MODEL_PATH", DefaultModelPath),
		ModelLabelsPath: getenv("MODEL_LABELS_PATH"),
		OnnxLibraryPath: getenv("ONNXRUNTIME_LIB"),
		ModelInputName:  getenv("MODEL_INPUT_NAME"),
		ModelOutputName: getenv("MODEL_OUTPUT_NAME"),
		GeminiAPIKey:    getenv("GEMINI_API_KEY"),
		GeminiModel:     getenvDefault(getenv, "GEMINI_MODEL", DefaultGeminiModel),
	}

	if v := getenv("MODEL_INTRA_OP_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("MODEL_INTRA_OP_THREADS must be a non-negative integer, got %q", v)
		}
		cfg.IntraOpThreads = n
	}

	return cfg, nil
}

// ValidateAPI checks the settings cmd/api cannot start without.
func (c Config) ValidateAPI() error {
	return errors.Join(
		c.requireStorage(),
		requireEnv("MODEL_PATH", c.ModelPath),
	)
}

// ValidateWorker checks the settings cmd/workers cannot start without.
func (c Config) ValidateWorker() error {
	return c.requireStorage()
}

func (c Config) requireStorage() error {
	return errors.Join(
		requireEnv("DATABASE_URL", c.DatabaseURL),
		requireEnv("VALKEY_URL", c.ValkeyURL),
		requireEnv("S3_REGION", c.S3.Region),
		requireEnv("S3_BUCKET_NAME", c.BucketName),
	)
}

func requireEnv(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is not set", name)
	}
	return nil
}

func getenvDefault(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}
