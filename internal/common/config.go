package common

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"` // postgres or sqlite
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string        `mapstructure:"http_addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	UserHeader     string        `mapstructure:"user_header"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	ReceiptDir string `mapstructure:"receipt_dir"`
}

// ThumbnailConfig holds preview generation configuration
type ThumbnailConfig struct {
	Width    int    `mapstructure:"width"`
	Height   int    `mapstructure:"height"`
	Quality  int    `mapstructure:"quality"`
	PDFDPI   int    `mapstructure:"pdf_dpi"`
	Pdftoppm string `mapstructure:"pdftoppm"`
}

// MergeConfig holds PDF merge configuration
type MergeConfig struct {
	DefaultDPI       int `mapstructure:"default_dpi"`
	ReferenceWidth   int `mapstructure:"reference_width"`
	Margin           int `mapstructure:"margin"`
	JPEGQuality      int `mapstructure:"jpeg_quality"`
	WarningThreshold int `mapstructure:"warning_threshold"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

const envPrefix = "RECEIPTS"

var configKeys = []string{
	"database.driver",
	"database.dsn",
	"database.max_conns",
	"database.min_conns",
	"database.max_conn_lifetime",
	"database.max_conn_idle_time",
	"database.dial_timeout",
	"database.statement_timeout",
	"server.http_addr",
	"server.grpc_addr",
	"server.user_header",
	"server.max_upload_bytes",
	"server.read_timeout",
	"server.write_timeout",
	"storage.receipt_dir",
	"thumbnail.width",
	"thumbnail.height",
	"thumbnail.quality",
	"thumbnail.pdf_dpi",
	"thumbnail.pdftoppm",
	"merge.default_dpi",
	"merge.reference_width",
	"merge.margin",
	"merge.jpeg_quality",
	"merge.warning_threshold",
	"log.level",
	"log.format",
}

// LoadConfig loads configuration from an optional YAML file, .env files and RECEIPTS_* variables.
func LoadConfig(configFile, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func configureViper(configFile, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees env vars for keys viper already knows about.
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.dial_timeout", 3*time.Second)
	v.SetDefault("database.statement_timeout", time.Duration(0))
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":8081")
	v.SetDefault("server.user_header", "X-User-ID")
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("storage.receipt_dir", "./data/receipts")
	v.SetDefault("thumbnail.width", 200)
	v.SetDefault("thumbnail.height", 200)
	v.SetDefault("thumbnail.quality", 70)
	v.SetDefault("thumbnail.pdf_dpi", 150)
	v.SetDefault("thumbnail.pdftoppm", "pdftoppm")
	v.SetDefault("merge.default_dpi", 150)
	v.SetDefault("merge.reference_width", 800)
	v.SetDefault("merge.margin", 20)
	v.SetDefault("merge.jpeg_quality", 95)
	v.SetDefault("merge.warning_threshold", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "."
	}
	for _, name := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, name)) // later files win
	}
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	v := NewValidator()
	v.Field("database.driver", c.Database.Driver, Required, OneOf("postgres", "sqlite"))
	v.Field("database.dsn", c.Database.DSN, Required)
	v.Field("server.http_addr", c.Server.HTTPAddr, Required)
	v.Field("server.user_header", c.Server.UserHeader, Required)
	v.Field("storage.receipt_dir", c.Storage.ReceiptDir, Required)
	v.Field("thumbnail.width", c.Thumbnail.Width, Positive)
	v.Field("thumbnail.height", c.Thumbnail.Height, Positive)
	v.Field("thumbnail.quality", c.Thumbnail.Quality, Positive)
	v.Field("thumbnail.pdf_dpi", c.Thumbnail.PDFDPI, Positive)
	v.Field("merge.default_dpi", c.Merge.DefaultDPI, Positive)
	v.Field("merge.reference_width", c.Merge.ReferenceWidth, Positive)
	v.Field("merge.jpeg_quality", c.Merge.JPEGQuality, Positive)
	v.Field("merge.warning_threshold", c.Merge.WarningThreshold, Positive)
	v.Field("log.format", c.Log.Format, OneOf("text", "json"))
	return v.Err(CodeConfig)
}
