package cachingproxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/always-cache/caching-proxy/cache"
	accesslog "github.com/always-cache/caching-proxy/pkg/access-log"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every configuration validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

const DefaultFetchTimeout = 30 * time.Second

// Options is the complete proxy configuration.
// It can be read from a YAML file with LoadOptions and is usually completed
// with command line flags.
type Options struct {
	// Interface to listen on. Empty means all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URL of the origin server, e.g. http://localhost:8000.
	// Origins with paths are not supported.
	Origin string `yaml:"origin"`
	// Hostname to use for origin requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string `yaml:"originHost"`
	// Maximum number of stored responses. Zero disables caching.
	CacheSizeLimit int `yaml:"cacheSizeLimit"`
	// Seconds between periodic cache sweeps. Zero disables the sweeps.
	CacheCleanInterval int `yaml:"cacheCleanInterval"`
	// One of entire, lru or none.
	EvictionPolicy string `yaml:"evictionPolicy"`
	// Number of hits a stored response may serve. Negative means unlimited.
	HitTTL       int           `yaml:"hitTtl"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	// Access log target: memory, off, a SQLite file name or a postgres:// URL.
	AccessLog string `yaml:"accessLog"`
	// Number of access log entries kept. Zero keeps all of them,
	// except for the memory log which is always capped.
	AccessLogMaxRows int `yaml:"accessLogMaxRows"`
	// Serve the admin and metrics endpoints under AdminPrefix.
	// Off by default so that every path reaches the origin.
	Admin bool `yaml:"admin"`
}

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		Host:               "localhost",
		Port:               8080,
		CacheSizeLimit:     10,
		CacheCleanInterval: 0,
		EvictionPolicy:     string(cache.PolicyLRU),
		HitTTL:             10,
		FetchTimeout:       DefaultFetchTimeout,
		AccessLog:          "memory",
		AccessLogMaxRows:   accesslog.DefaultMaxRows,
	}
}

// LoadOptions reads a YAML file on top of the given options.
// Keys missing from the file keep their value from base.
func LoadOptions(filename string, base Options) (Options, error) {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", filename, err)
	}
	opts := base
	if err := yaml.Unmarshal(configBytes, &opts); err != nil {
		return base, fmt.Errorf("parse config %s: %w", filename, err)
	}
	return opts, nil
}

// Validate checks the options and returns an error wrapping ErrInvalidConfig
// describing the first problem found.
func (o Options) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, o.Port)
	}
	if _, err := o.OriginURL(); err != nil {
		return err
	}
	if o.CacheSizeLimit < 0 {
		return fmt.Errorf("%w: cache size limit must not be negative", ErrInvalidConfig)
	}
	if o.CacheCleanInterval < 0 {
		return fmt.Errorf("%w: cache clean interval must not be negative", ErrInvalidConfig)
	}
	if _, err := cache.ParsePolicy(o.EvictionPolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if o.HitTTL == 0 {
		return fmt.Errorf("%w: hit TTL of 0 would never serve a stored response (use a negative value for unlimited)", ErrInvalidConfig)
	}
	if o.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalidConfig)
	}
	if o.AccessLogMaxRows < 0 {
		return fmt.Errorf("%w: access log max rows must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Addr is the address to listen on.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// OriginURL parses and checks the origin.
func (o Options) OriginURL() (*url.URL, error) {
	if o.Origin == "" {
		return nil, fmt.Errorf("%w: origin is required", ErrInvalidConfig)
	}
	u, err := url.Parse(o.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: origin %q must be an http or https URL", ErrInvalidConfig, o.Origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: origin %q has no host", ErrInvalidConfig, o.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("%w: origin %q has a path, which is not supported", ErrInvalidConfig, o.Origin)
	}
	u.Path = ""
	return u, nil
}

// Policy returns the configured eviction policy.
func (o Options) Policy() (cache.Policy, error) {
	return cache.ParsePolicy(o.EvictionPolicy)
}

func (o Options) CleanInterval() time.Duration {
	return time.Duration(o.CacheCleanInterval) * time.Second
}
