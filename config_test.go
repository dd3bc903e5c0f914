package cachingproxy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/caching-proxy/cache"
	accesslog "github.com/always-cache/caching-proxy/pkg/access-log"
)

func validOptions() Options {
	opts := DefaultOptions()
	opts.Origin = "http://localhost:8000"
	return opts
}

func TestDefaultOptionsWithOriginAreValid(t *testing.T) {
	if err := validOptions().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Options){
		"zero hit ttl":      func(o *Options) { o.HitTTL = 0 },
		"unknown policy":    func(o *Options) { o.EvictionPolicy = "lfu" },
		"negative size":     func(o *Options) { o.CacheSizeLimit = -1 },
		"negative interval": func(o *Options) { o.CacheCleanInterval = -5 },
		"missing origin":    func(o *Options) { o.Origin = "" },
		"origin scheme":     func(o *Options) { o.Origin = "ftp://localhost" },
		"origin path":       func(o *Options) { o.Origin = "http://localhost/app" },
		"port":              func(o *Options) { o.Port = 70000 },
		"fetch timeout":     func(o *Options) { o.FetchTimeout = 0 },
		"access log rows":   func(o *Options) { o.AccessLogMaxRows = -1 },
	}
	for name, modify := range cases {
		opts := validOptions()
		modify(&opts)
		if err := opts.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestUnknownPolicyKeepsCause(t *testing.T) {
	opts := validOptions()
	opts.EvictionPolicy = "fifo"
	if err := opts.Validate(); !errors.Is(err, cache.ErrUnknownPolicy) {
		t.Fatalf("Expected ErrUnknownPolicy, got %v", err)
	}
}

func TestNegativeHitTTLIsValid(t *testing.T) {
	opts := validOptions()
	opts.HitTTL = -1
	if err := opts.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOptions(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
origin: https://example.com
originHost: www.example.com
cacheSizeLimit: 50
evictionPolicy: entire
hitTtl: -1
cacheCleanInterval: 30
fetchTimeout: 5s
`
	if err := os.WriteFile(filename, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(filename, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if opts.Origin != "https://example.com" || opts.OriginHost != "www.example.com" {
		t.Fatalf("Origin is %s (%s)", opts.Origin, opts.OriginHost)
	}
	if opts.CacheSizeLimit != 50 || opts.EvictionPolicy != "entire" || opts.HitTTL != -1 {
		t.Fatalf("Cache options are %+v", opts)
	}
	if opts.CleanInterval() != 30*time.Second || opts.FetchTimeout != 5*time.Second {
		t.Fatalf("Durations are %s and %s", opts.CleanInterval(), opts.FetchTimeout)
	}
	// not in the file, kept from defaults
	if opts.Port != 8080 || opts.AccessLog != "memory" || opts.AccessLogMaxRows != accesslog.DefaultMaxRows {
		t.Fatalf("Defaults lost: port %d, access log %s", opts.Port, opts.AccessLog)
	}
	if err := opts.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOptionsMissingFile(t *testing.T) {
	if _, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"), DefaultOptions()); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestAddr(t *testing.T) {
	opts := validOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 9000
	if addr := opts.Addr(); addr != "127.0.0.1:9000" {
		t.Fatalf("Addr is %s", addr)
	}
}

func TestAdminIsOffByDefault(t *testing.T) {
	if DefaultOptions().Admin {
		t.Fatal("Admin endpoints enabled by default")
	}
}
