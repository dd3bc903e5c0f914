package cachingproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/caching-proxy/cache"
	accesslog "github.com/always-cache/caching-proxy/pkg/access-log"
	cachekey "github.com/always-cache/caching-proxy/pkg/cache-key"
	"github.com/always-cache/caching-proxy/pkg/metrics"
	"github.com/always-cache/caching-proxy/rfc9211"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const accessLogBuffer = 1024

type Config struct {
	// Storage for cached responses.
	Store *cache.Store
	// Janitor used by the sweep admin endpoint.
	// A janitor without a periodic sweep is created if nil.
	Janitor *cache.Janitor
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Number of hits a stored response may serve. Negative means unlimited.
	HitTTL int
	// Upper bound for one origin fetch. DefaultFetchTimeout is used if zero.
	FetchTimeout time.Duration
	// Gets responses from the origin. The origin URL is used if nil.
	Fetcher Fetcher
	// Access log sink. Nothing is recorded if nil.
	AccessLog accesslog.Writer
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy answers requests from its store and fetches misses from the origin.
// Concurrent misses for the same key share a single origin fetch.
type Proxy struct {
	store        *cache.Store
	janitor      *cache.Janitor
	keyer        cachekey.CacheKeyer
	fetcher      Fetcher
	hitTTL       int
	fetchTimeout time.Duration
	inflight     singleflight.Group
	log          zerolog.Logger

	accessLog accesslog.Writer
	entries   chan accesslog.Entry
	// guards closing entries against concurrent sends
	entriesMu sync.RWMutex
	closed    bool
	logDone   chan struct{}
}

// New creates the proxy and starts its access log writer.
// Call Close to flush the access log.
func New(config Config) (*Proxy, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: no store", ErrInvalidConfig)
	}
	if config.HitTTL == 0 {
		return nil, fmt.Errorf("%w: hit TTL must not be 0", ErrInvalidConfig)
	}
	if config.Fetcher == nil && config.OriginURL.Host == "" {
		return nil, fmt.Errorf("%w: origin URL has no host", ErrInvalidConfig)
	}
	if config.FetchTimeout < 0 {
		return nil, fmt.Errorf("%w: fetch timeout must not be negative", ErrInvalidConfig)
	}

	// use global logger if not specified in config
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	p := &Proxy{
		store:        config.Store,
		janitor:      config.Janitor,
		keyer:        cachekey.NewCacheKeyer(config.OriginURL.String()),
		fetcher:      config.Fetcher,
		hitTTL:       config.HitTTL,
		fetchTimeout: config.FetchTimeout,
		log:          logger,
		accessLog:    config.AccessLog,
		entries:      make(chan accesslog.Entry, accessLogBuffer),
		logDone:      make(chan struct{}),
	}
	if p.fetcher == nil {
		p.fetcher = newOriginFetcher(config.OriginURL, config.OriginHost)
	}
	if p.fetchTimeout == 0 {
		p.fetchTimeout = DefaultFetchTimeout
	}
	if p.janitor == nil {
		p.janitor = cache.NewJanitor(p.store, 0, &p.log)
	}
	if p.accessLog == nil {
		p.accessLog = accesslog.NoopWriter{}
	}

	go p.writeAccessLog()

	return p, nil
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := p.getLogger(r)

	if r.Method != http.MethodGet {
		cs := rfc9211.CacheStatus{}
		cs.Forward(rfc9211.FwdReasonMethod)
		ctx, cancel := context.WithTimeout(r.Context(), p.fetchTimeout)
		defer cancel()
		res, err := p.fetcher.Fetch(ctx, r)
		if err != nil {
			p.fail(w, r, "", cs, start, err)
			return
		}
		cs.FwdStatus = res.StatusCode
		p.send(w, r, res, "", cs, start)
		return
	}

	key := p.keyer.GetKey(r)

	if p.store.Disabled() {
		// nothing is ever stored, concurrent requests still share a fetch
		cs := rfc9211.CacheStatus{}
		cs.Forward(rfc9211.FwdReasonBypass)
		p.forwardShared(w, r, key, cs, start)
		return
	}

	if res, left, ok := p.store.Get(key); ok {
		logger.Trace().Str("key", key).Int("hitsLeft", left).Msg("Cache hit and serving")
		cs := rfc9211.CacheStatus{}
		cs.Hit()
		cs.Detail = hitsLeftDetail(left)
		p.send(w, r, res, key, cs, start)
		return
	}

	logger.Trace().Str("key", key).Msg("Cache miss")
	cs := rfc9211.CacheStatus{}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	p.forwardShared(w, r, key, cs, start)
}

// forwardShared answers r with the result of the shared origin fetch for key.
func (p *Proxy) forwardShared(w http.ResponseWriter, r *http.Request, key string, cs rfc9211.CacheStatus, start time.Time) {
	f, collapsed, err := p.fetchOnce(r, key)
	cs.Collapsed = collapsed
	if err != nil {
		p.fail(w, r, key, cs, start, err)
		return
	}
	cs.FwdStatus = f.res.StatusCode
	cs.Stored = f.stored
	p.send(w, r, f.res, key, cs, start)
}

// fetched is the shared result of one origin fetch.
type fetched struct {
	res    cache.Response
	stored bool
}

// fetchOnce gets the response for key from the origin, sharing one fetch
// between all concurrent callers for the same key.
// The fetch is not tied to r's context: a caller that goes away stops waiting
// but the fetch continues for the other callers and still populates the store.
func (p *Proxy) fetchOnce(r *http.Request, key string) (fetched, bool, error) {
	var leader bool
	outgoing := r.Clone(context.WithoutCancel(r.Context()))
	outgoing.Body = http.NoBody
	outgoing.ContentLength = 0

	ch := p.inflight.DoChan(key, func() (interface{}, error) {
		leader = true
		ctx, cancel := context.WithTimeout(outgoing.Context(), p.fetchTimeout)
		defer cancel()
		res, err := p.fetcher.Fetch(ctx, outgoing)
		if err != nil {
			p.log.Error().Err(err).Str("key", key).Msg("Could not fetch from origin")
			return nil, err
		}
		stored := p.store.Put(key, res, p.hitTTL)
		p.log.Trace().Str("key", key).Int("status", res.StatusCode).Bool("stored", stored).Msg("Fetched from origin")
		return fetched{res: res, stored: stored}, nil
	})

	select {
	case <-r.Context().Done():
		return fetched{}, false, r.Context().Err()
	case result := <-ch:
		collapsed := result.Shared && !leader
		if collapsed {
			metrics.CollapsedRequests.Inc()
		}
		if result.Err != nil {
			return fetched{}, collapsed, result.Err
		}
		// every waiter gets the same value, hand out private copies
		f := result.Val.(fetched)
		f.res = f.res.Clone()
		return f, collapsed, nil
	}
}

// send writes res to the client.
func (p *Proxy) send(w http.ResponseWriter, r *http.Request, res cache.Response, key string, cs rfc9211.CacheStatus, start time.Time) {
	header := w.Header()
	copyHeader(header, res.Header)
	header.Set("Cache-Status", cs.String())
	header.Set("X-Cached-By-Proxy", cachedByProxy(cs))
	writeBody := r.Method != http.MethodHead && bodyAllowed(res.StatusCode)
	if writeBody {
		header.Set("Content-Length", strconv.Itoa(len(res.Body)))
	}
	w.WriteHeader(res.StatusCode)
	if writeBody {
		if _, err := w.Write(res.Body); err != nil {
			p.getLogger(r).Debug().Err(err).Msg("Could not write response body to client")
		}
	}
	p.record(r, key, cs, res.StatusCode, start)
}

// fail answers a request whose origin fetch did not succeed.
func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, key string, cs rfc9211.CacheStatus, start time.Time, err error) {
	logger := p.getLogger(r)
	if r.Context().Err() != nil {
		logger.Debug().Str("key", key).Msg("Client went away while waiting for origin")
		p.record(r, key, cs, 499, start)
		return
	}
	logger.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
	w.Header().Set("Cache-Status", cs.String())
	w.Header().Set("X-Cached-By-Proxy", cachedByProxy(cs))
	http.Error(w, "Could not get response", http.StatusBadGateway)
	p.record(r, key, cs, http.StatusBadGateway, start)
}

// Close stops the access log writer after the queued entries are written.
// Requests served after Close are not recorded.
func (p *Proxy) Close() error {
	p.entriesMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.entries)
	}
	p.entriesMu.Unlock()
	<-p.logDone
	return p.accessLog.Close()
}

func (p *Proxy) record(r *http.Request, key string, cs rfc9211.CacheStatus, status int, start time.Time) {
	entry := accesslog.Entry{
		Time:      start.UTC(),
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Key:       key,
		Cache:     cachedByProxy(cs),
		FwdReason: string(cs.FwdReason),
		Status:    status,
		Collapsed: cs.Collapsed,
		Duration:  time.Since(start),
		RemoteIP:  getRequestSourceIp(r),
	}
	p.getLogger(r).Debug().
		Str("method", entry.Method).
		Str("url", entry.URL).
		Str("sourceIp", entry.RemoteIP).
		Str("cache", entry.Cache).
		Str("fwd", entry.FwdReason).
		Bool("collapsed", entry.Collapsed).
		Int("status", status).
		Msg("Sending response to client")
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.entries <- entry:
	default:
		p.log.Warn().Msg("Access log queue full, dropping entry")
	}
}

func (p *Proxy) writeAccessLog() {
	defer close(p.logDone)
	for entry := range p.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.accessLog.Write(ctx, entry); err != nil {
			p.log.Error().Err(err).Msg("Could not write access log")
		}
		cancel()
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the proxy logger.
func (p *Proxy) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &p.log
	}
	return logger
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

func hitsLeftDetail(left int) string {
	if left == cache.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("hits-left-%d", left)
}

func cachedByProxy(cs rfc9211.CacheStatus) string {
	if cs.IsHit() {
		return "HIT"
	}
	return "MISS"
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return strings.Trim(ipAndPort[:portSepIdx], "[]")
}
