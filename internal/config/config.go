package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/photo-faces/internal/constants"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	PhotoPrism PhotoPrismConfig
	Embedding  EmbeddingConfig
	Database   DatabaseConfig
	Clustering ClusteringConfig `yaml:"clustering"`
	Quality    QualityConfig    `yaml:"quality"`
	Hash       HashConfig       `yaml:"hash"`
	Web        WebConfig
	LogLevel   string
	LogFile    string
}

type PhotoPrismConfig struct {
	URL         string
	Username    string
	Password    string
	Domain      string // public domain for generating photo links (e.g., https://photos.example.com)
	DatabaseURL string // MariaDB DSN for direct marker access (e.g., photoprism:photoprism@tcp(mariadb:3306)/photoprism)
}

// PhotoURL returns an OSC 8 hyperlink for terminal emulators (iTerm2, etc.)
// Returns empty string if Domain is not set
func (c *PhotoPrismConfig) PhotoURL(uid string) string {
	if c.Domain == "" {
		return ""
	}
	url := c.Domain + "/library/browse?view=cards&order=oldest&q=uid:" + uid
	return "\x1b]8;;" + url + "\x1b\\" + uid + "\x1b]8;;\x1b\\"
}

type EmbeddingConfig struct {
	URL           string // defaults to http://localhost:8000
	MaxUploadSize int    // longest image side sent to the extractor, 0 = original
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	SQLitePath    string // used when URL is empty
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the cluster root HNSW index (optional)
}

// ClusteringConfig controls the two-pass clustering sweep.
type ClusteringConfig struct {
	MergeThreshold   float64 `yaml:"merge_threshold"`
	MaxClusters      int     `yaml:"max_clusters"`
	EmbeddingDim     int     `yaml:"embedding_dim"`
	AlbumConcurrency int     `yaml:"album_concurrency"`
	IOConcurrency    int     `yaml:"io_concurrency"`
	StrategyTag      string  `yaml:"strategy_tag"`
	LockPath         string  `yaml:"lock_path"`
}

// QualityThresholds are the limits a reference must satisfy for one purpose.
type QualityThresholds struct {
	MinDetScore float64 `yaml:"min_det_score"`
	MinSizePx   float64 `yaml:"min_size_px"`
	MaxRollYaw  float64 `yaml:"max_roll_yaw"`
	MaxPitch    float64 `yaml:"max_pitch"`
}

type QualityConfig struct {
	Root   QualityThresholds `yaml:"root"`
	Member QualityThresholds `yaml:"member"`
}

// HashConfig parameterizes the sortable embedding hash.
type HashConfig struct {
	Bits         int     `yaml:"bits"`
	Min          float64 `yaml:"min"`
	Max          float64 `yaml:"max"`
	SharedPlanes int     `yaml:"shared_planes"`
}

// WebConfig configures the status API started by `serve`.
type WebConfig struct {
	Host           string
	Port           int
	Token          string   // bearer token for mutating endpoints; empty leaves them open
	AllowedOrigins []string // CORS origins besides localhost
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Defaults returns the embedded defaults without any environment overrides.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// embedded file, only a broken build can get here
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

func Load() *Config {
	cfg := Defaults()

	cfg.PhotoPrism = PhotoPrismConfig{
		URL:         os.Getenv("PHOTOPRISM_URL"),
		Username:    os.Getenv("PHOTOPRISM_USERNAME"),
		Password:    os.Getenv("PHOTOPRISM_PASSWORD"),
		Domain:      os.Getenv("PHOTOPRISM_DOMAIN"),
		DatabaseURL: os.Getenv("PHOTOPRISM_DATABASE_URL"),
	}
	cfg.Embedding = EmbeddingConfig{
		URL:           os.Getenv("EMBEDDING_URL"),
		MaxUploadSize: envInt("EMBEDDING_MAX_UPLOAD_SIZE", constants.MaxImageSize),
	}
	cfg.Database = DatabaseConfig{
		URL:           os.Getenv("DATABASE_URL"),
		SQLitePath:    envString("SQLITE_PATH", "photo-faces.db"),
		MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
		HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
	}

	c := &cfg.Clustering
	c.MergeThreshold = envFloat("CLUSTER_MERGE_THRESHOLD", c.MergeThreshold)
	c.MaxClusters = envInt("CLUSTER_MAX_CLUSTERS", c.MaxClusters)
	c.EmbeddingDim = envInt("CLUSTER_EMBEDDING_DIM", c.EmbeddingDim)
	c.AlbumConcurrency = envInt("CLUSTER_ALBUM_CONCURRENCY", c.AlbumConcurrency)
	c.IOConcurrency = envInt("CLUSTER_IO_CONCURRENCY", c.IOConcurrency)
	c.StrategyTag = envString("CLUSTER_STRATEGY_TAG", c.StrategyTag)
	c.LockPath = envString("CLUSTER_LOCK_PATH", c.LockPath)

	cfg.Hash.Bits = envInt("HASH_BITS", cfg.Hash.Bits)
	cfg.Hash.SharedPlanes = envInt("HASH_SHARED_PLANES", cfg.Hash.SharedPlanes)

	cfg.Web = WebConfig{
		Host:           envString("WEB_HOST", "0.0.0.0"),
		Port:           envInt("WEB_PORT", 8080),
		Token:          os.Getenv("WEB_API_TOKEN"),
		AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
	}

	cfg.LogLevel = envString("LOG_LEVEL", "info")
	cfg.LogFile = os.Getenv("LOG_FILE")

	return cfg
}

// Validate reports the first configuration value that would make a pass meaningless.
func (c *Config) Validate() error {
	cl := c.Clustering
	if cl.MergeThreshold <= 0 {
		return errors.New("clustering merge threshold must be positive")
	}
	if cl.MaxClusters <= 0 {
		return errors.New("clustering max clusters must be positive")
	}
	if cl.AlbumConcurrency <= 0 || cl.IOConcurrency <= 0 {
		return errors.New("concurrency settings must be positive")
	}
	if cl.StrategyTag == "" {
		return errors.New("clustering strategy tag is required")
	}

	root, member := c.Quality.Root, c.Quality.Member
	if root.MinDetScore < member.MinDetScore || root.MinSizePx < member.MinSizePx ||
		root.MaxRollYaw > member.MaxRollYaw || root.MaxPitch > member.MaxPitch {
		return errors.New("root quality thresholds must be at least as strict as member thresholds")
	}

	h := c.Hash
	if h.Bits <= 0 || h.Bits > 16 {
		return fmt.Errorf("hash bits must be in 1..16, got %d", h.Bits)
	}
	if h.Max <= h.Min {
		return fmt.Errorf("hash range is empty: [%v, %v]", h.Min, h.Max)
	}
	if h.SharedPlanes < 0 || h.SharedPlanes > h.Bits {
		return fmt.Errorf("hash shared planes must be in 0..%d, got %d", h.Bits, h.SharedPlanes)
	}
	return nil
}
