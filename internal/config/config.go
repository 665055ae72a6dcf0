package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/maneesh/labgridfs/internal/docstore"
	"github.com/maneesh/labgridfs/internal/gridstore"
)

// Docstore drivers.
const (
	DriverMongo  = "mongo"
	DriverSQL    = "sql"
	DriverMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	LogConfig   string

	// Document store configuration
	Driver        string
	MongoURL      string
	MongoDatabase string
	MongoTimeout  time.Duration
	SQLDSN        string

	// TiDB configuration, used when SQL_DSN is empty
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Store configuration
	Root         string
	ChunkSize    int
	WriteConcern docstore.WriteConcern

	// MinIO configuration
	MinIOEnabled    bool
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from the process environment. Values
// also come from an optional .env file in the working directory and an
// optional TOML file named by CONFIG_FILE; the environment wins over the
// TOML file, which wins over .env.
func LoadConfig() (*Config, error) {
	dotenv, err := readDotenv(".env")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return load(dotenv, environ())
}

func load(dotenv, env map[string]string) (*Config, error) {
	v := values{}
	v.merge(dotenv)
	configFile := env["CONFIG_FILE"]
	if configFile == "" {
		configFile = dotenv["CONFIG_FILE"]
	}
	if configFile != "" {
		fromFile, err := readTOML(configFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		v.merge(fromFile)
	}
	v.merge(env)
	return v.config()
}

func (v values) config() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: v.getEnv("SERVICE_PORT", "8080"),
		ServiceName: v.getEnv("SERVICE_NAME", "labgridfs-service"),
		LogConfig:   v.getEnv("LOG_CONFIG", "<root>=INFO"),

		// Document store defaults
		Driver:        strings.ToLower(v.getEnv("DOCSTORE_DRIVER", DriverMongo)),
		MongoURL:      v.getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase: v.getEnv("MONGO_DATABASE", "labgridfs"),
		MongoTimeout:  v.getEnvAsDuration("MONGO_TIMEOUT", 10*time.Second),
		SQLDSN:        v.getEnv("SQL_DSN", ""),

		// TiDB defaults
		TiDBHost:     v.getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     v.getEnv("TIDB_PORT", "4000"),
		TiDBUser:     v.getEnv("TIDB_USER", "root"),
		TiDBPassword: v.getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: v.getEnv("TIDB_DATABASE", "labgridfs"),

		Root: v.getEnv("GRIDFS_ROOT", gridstore.DefaultRoot),

		// MinIO defaults
		MinIOEnabled:    v.getEnvAsBool("MINIO_ENABLED", true),
		MinIOEndpoint:   v.getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  v.getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  v.getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: v.getEnv("MINIO_BUCKET_NAME", "labgridfs"),
		MinIOUseSSL:     v.getEnvAsBool("MINIO_USE_SSL", false),

		// Redis defaults
		RedisEnabled:  v.getEnvAsBool("REDIS_ENABLED", true),
		RedisHost:     v.getEnv("REDIS_HOST", "localhost"),
		RedisPort:     v.getEnv("REDIS_PORT", "6379"),
		RedisPassword: v.getEnv("REDIS_PASSWORD", ""),
		RedisDB:       v.getEnvAsInt("REDIS_DB", 0),
		RedisTTL:      v.getEnvAsDuration("REDIS_TTL", 5*time.Minute),

		// Jaeger defaults
		JaegerEndpoint: v.getEnv("JAEGER_ENDPOINT", "localhost:4318"),
	}

	switch config.Driver {
	case DriverMongo, DriverSQL, DriverMemory:
	default:
		return nil, errors.NotValidf("DOCSTORE_DRIVER %q", config.Driver)
	}

	chunkSize, err := humanize.ParseBytes(v.getEnv("CHUNK_SIZE", "256KiB"))
	if err != nil {
		return nil, errors.Annotate(err, "parsing CHUNK_SIZE")
	}
	if chunkSize == 0 || chunkSize > 16*humanize.MiByte {
		return nil, errors.NotValidf("CHUNK_SIZE %s", humanize.IBytes(chunkSize))
	}
	config.ChunkSize = int(chunkSize)

	wc, err := docstore.ParseWriteConcern(v.getEnv("WRITE_CONCERN", "acknowledged"))
	if err != nil {
		return nil, errors.Annotate(err, "parsing WRITE_CONCERN")
	}
	wc.J = v.getEnvAsBool("WRITE_CONCERN_JOURNAL", false)
	config.WriteConcern = wc

	return config, nil
}

// GridConfig returns the store configuration.
func (c *Config) GridConfig() gridstore.Config {
	return gridstore.Config{
		Root:         c.Root,
		ChunkSize:    c.ChunkSize,
		WriteConcern: c.WriteConcern,
	}
}

// GetDSN returns the SQL connection string, assembled from the TiDB
// settings unless SQL_DSN is set.
func (c *Config) GetDSN() string {
	if c.SQLDSN != "" {
		return c.SQLDSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// values is the merged view of every configuration source.
type values map[string]string

func (v values) merge(src map[string]string) {
	for k, val := range src {
		v[k] = val
	}
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			env[k] = val
		}
	}
	return env
}

func readDotenv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", path)
	}
	return env, nil
}

// readTOML flattens a TOML file into environment style keys, so
// [redis] host = "cache" becomes REDIS_HOST.
func readTOML(path string) (map[string]string, error) {
	var doc map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, errors.Annotatef(err, "reading config file %s", path)
	}
	out := make(map[string]string)
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, doc map[string]any, out map[string]string) {
	for k, val := range doc {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if table, ok := val.(map[string]any); ok {
			flatten(key, table, out)
			continue
		}
		out[key] = fmt.Sprint(val)
	}
}

// Helper functions
func (v values) getEnv(key, defaultValue string) string {
	if value := v[key]; value != "" {
		return value
	}
	return defaultValue
}

func (v values) getEnvAsInt(key string, defaultValue int) int {
	valueStr := v.getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func (v values) getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := v.getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func (v values) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := v.getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
