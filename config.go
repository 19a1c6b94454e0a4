package crawlcache

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/always-cache/crawlcache/cache"
	"github.com/always-cache/crawlcache/policy"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var (
	ErrCacheDisabled  = errors.New("http cache is disabled")
	ErrUnknownPolicy  = policy.ErrUnknownPolicy
	ErrUnknownStorage = cache.ErrUnknownStorage
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CRAWLCACHE_"

type Config struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Policy selector: dummy or rfc9111.
	Policy string `yaml:"policy" env:"POLICY"`
	// Storage selector: dbm or mongo.
	Storage string `yaml:"storage" env:"STORAGE"`
	// Fail requests that are not cached instead of fetching them.
	IgnoreMissing bool `yaml:"ignore_missing" env:"IGNORE_MISSING"`
	// Entries older than this many seconds are treated as absent. 0 keeps them forever.
	ExpirationSecs              int      `yaml:"expiration_secs" env:"EXPIRATION_SECS"`
	IgnoreSchemes               []string `yaml:"ignore_schemes" env:"IGNORE_SCHEMES"`
	IgnoreHTTPCodes             []int    `yaml:"ignore_http_codes" env:"IGNORE_HTTP_CODES"`
	AlwaysStore                 bool     `yaml:"always_store" env:"ALWAYS_STORE"`
	IgnoreResponseCacheControls []string `yaml:"ignore_response_cache_controls" env:"IGNORE_RESPONSE_CACHE_CONTROLS"`
	// Request headers that take part in the fingerprint.
	FingerprintHeaders []string `yaml:"fingerprint_headers" env:"FINGERPRINT_HEADERS"`
	// Directory of the dbm files.
	Dir       string            `yaml:"dir" env:"DIR"`
	DbmModule string            `yaml:"dbm_module" env:"DBM_MODULE"`
	Mongo     cache.MongoConfig `yaml:"mongo" envPrefix:"MONGO_"`
}

func DefaultConfig() Config {
	return Config{
		Policy:        "dummy",
		Storage:       "dbm",
		IgnoreSchemes: []string{"file"},
		Dir:           "httpcache",
		DbmModule:     "sqlite",
		Mongo:         cache.DefaultMongoConfig(),
	}
}

// LoadConfig reads the defaults, then the YAML file at path if given,
// then CRAWLCACHE_* environment variables.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, fmt.Errorf("parse environment: %w", err)
	}
	return config, nil
}

// Validate fails on settings that would keep the cache from starting.
func (c Config) Validate() error {
	if !c.Enabled {
		return ErrCacheDisabled
	}
	if _, err := policy.New(c.Policy, policy.Options{}); err != nil {
		return err
	}
	if c.ExpirationSecs < 0 {
		return fmt.Errorf("expiration_secs must not be negative, got %d", c.ExpirationSecs)
	}
	switch strings.ToLower(c.Storage) {
	case "", "dbm":
		if !knownDbmModule(c.DbmModule) {
			return fmt.Errorf("%w: %q", cache.ErrUnknownModule, c.DbmModule)
		}
	case "mongo", "mongodb":
		if err := c.Mongo.Database.Validate(); err != nil {
			return fmt.Errorf("mongo database: %w", err)
		}
		if err := c.Mongo.Collection.Validate(); err != nil {
			return fmt.Errorf("mongo collection: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorage, c.Storage)
	}
	return nil
}

func knownDbmModule(name string) bool {
	if name == "" {
		return true
	}
	for _, m := range cache.DbmModules() {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
