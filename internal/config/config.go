package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultMaxUploadBytes mirrors the 50 MiB cap enforced by the upload form.
const DefaultMaxUploadBytes int64 = 50 * 1024 * 1024

type Config struct {
	Server    ServerConfig
	Inference InferenceConfig
	Upload    UploadConfig
	Storage   StorageConfig
	Auth      AuthConfig
	LogLevel  string
}

type ServerConfig struct {
	HTTPAddr        string
	GRPCHealthAddr  string
	ShutdownTimeout time.Duration
}

type InferenceConfig struct {
	Executable      string
	Args            []string
	ScratchDir      string
	OutputExt       string
	Timeout         time.Duration
	MaxConcurrent   int64
	AdmissionWait   time.Duration
	CaptureStderr   bool
	ValidateContent bool
}

type UploadConfig struct {
	MaxBytes     int64
	AllowedTypes []string
}

type StorageConfig struct {
	DatabaseDSN string
	RedisAddr   string
	CacheTTL    time.Duration
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// Load reads configuration from the environment, falling back to defaults.
// A .env file, if any, must already have been applied by the caller.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_HEALTH_ADDR", "")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBLUR_EXECUTABLE", "python")
	v.SetDefault("DEBLUR_EXECUTABLE_ARGS", "deblur.py")
	v.SetDefault("DEBLUR_SCRATCH_DIR", filepath.Join(os.TempDir(), "deblur-scratch"))
	v.SetDefault("DEBLUR_OUTPUT_EXT", ".jpg")
	v.SetDefault("DEBLUR_MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)
	v.SetDefault("DEBLUR_ALLOWED_TYPES", "image/png,image/jpeg")
	v.SetDefault("DEBLUR_PROCESS_TIMEOUT", 2*time.Minute)
	v.SetDefault("DEBLUR_MAX_CONCURRENT", 4)
	v.SetDefault("DEBLUR_ADMISSION_WAIT", 30*time.Second)
	v.SetDefault("DEBLUR_CAPTURE_STDERR", false)
	v.SetDefault("DEBLUR_VALIDATE_CONTENT", false)
	v.SetDefault("DATABASE_DSN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("DEBLUR_CACHE_TTL", 10*time.Minute)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:        v.GetString("HTTP_ADDR"),
			GRPCHealthAddr:  v.GetString("GRPC_HEALTH_ADDR"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Inference: InferenceConfig{
			Executable:      v.GetString("DEBLUR_EXECUTABLE"),
			Args:            strings.Fields(v.GetString("DEBLUR_EXECUTABLE_ARGS")),
			ScratchDir:      v.GetString("DEBLUR_SCRATCH_DIR"),
			OutputExt:       v.GetString("DEBLUR_OUTPUT_EXT"),
			Timeout:         v.GetDuration("DEBLUR_PROCESS_TIMEOUT"),
			MaxConcurrent:   v.GetInt64("DEBLUR_MAX_CONCURRENT"),
			AdmissionWait:   v.GetDuration("DEBLUR_ADMISSION_WAIT"),
			CaptureStderr:   v.GetBool("DEBLUR_CAPTURE_STDERR"),
			ValidateContent: v.GetBool("DEBLUR_VALIDATE_CONTENT"),
		},
		Upload: UploadConfig{
			MaxBytes:     v.GetInt64("DEBLUR_MAX_UPLOAD_BYTES"),
			AllowedTypes: splitList(v.GetString("DEBLUR_ALLOWED_TYPES")),
		},
		Storage: StorageConfig{
			DatabaseDSN: v.GetString("DATABASE_DSN"),
			RedisAddr:   v.GetString("REDIS_ADDR"),
			CacheTTL:    v.GetDuration("DEBLUR_CACHE_TTL"),
		},
		Auth: AuthConfig{
			JWTSecret:   v.GetString("JWT_SECRET"),
			JWTAudience: v.GetString("JWT_AUDIENCE"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Inference.Executable) == "" {
		return fmt.Errorf("DEBLUR_EXECUTABLE must not be empty")
	}
	if c.Inference.ScratchDir == "" {
		return fmt.Errorf("DEBLUR_SCRATCH_DIR must not be empty")
	}
	if !strings.HasPrefix(c.Inference.OutputExt, ".") {
		return fmt.Errorf("DEBLUR_OUTPUT_EXT must start with a dot, got %q", c.Inference.OutputExt)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("DEBLUR_MAX_UPLOAD_BYTES must be positive, got %d", c.Upload.MaxBytes)
	}
	if len(c.Upload.AllowedTypes) == 0 {
		return fmt.Errorf("DEBLUR_ALLOWED_TYPES must list at least one media type")
	}
	if c.Inference.MaxConcurrent <= 0 {
		return fmt.Errorf("DEBLUR_MAX_CONCURRENT must be positive, got %d", c.Inference.MaxConcurrent)
	}
	if c.Inference.Timeout < 0 {
		return fmt.Errorf("DEBLUR_PROCESS_TIMEOUT must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
