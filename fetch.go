package cachingproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/caching-proxy/cache"
	"github.com/always-cache/caching-proxy/pkg/metrics"
)

// ErrOriginUnavailable is wrapped by errors of failed origin fetches.
var ErrOriginUnavailable = errors.New("origin unavailable")

// Fetcher gets complete responses from the origin.
type Fetcher interface {
	// Fetch forwards r to the origin and reads the whole response.
	// The request context is not used; ctx bounds the fetch instead.
	Fetch(ctx context.Context, r *http.Request) (cache.Response, error)
}

// hopHeaders are removed when forwarding in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type originFetcher struct {
	originURL  url.URL
	hostHeader string
	client     http.Client
}

func newOriginFetcher(originURL url.URL, originHost string) *originFetcher {
	f := &originFetcher{
		originURL:  originURL,
		hostHeader: originURL.Host,
	}
	transport := http.DefaultTransport
	if originHost != "" {
		f.hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	f.client = http.Client{
		Transport: transport,
		// do not follow redirects, the client gets them verbatim
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f
}

func (f *originFetcher) Fetch(ctx context.Context, r *http.Request) (cache.Response, error) {
	start := time.Now()
	res, err := f.fetch(ctx, r)
	metrics.OriginFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OriginFetches.WithLabelValues("error").Inc()
		return res, fmt.Errorf("%w: %s %s: %w", ErrOriginUnavailable, r.Method, r.URL.RequestURI(), err)
	}
	metrics.OriginFetches.WithLabelValues("ok").Inc()
	return res, nil
}

func (f *originFetcher) fetch(ctx context.Context, r *http.Request) (cache.Response, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, f.originURL.String()+r.URL.RequestURI(), body)
	if err != nil {
		return cache.Response{}, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = f.hostHeader
	req.ContentLength = r.ContentLength

	res, err := f.client.Do(req)
	if err != nil {
		return cache.Response{}, err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return cache.Response{}, fmt.Errorf("read body: %w", err)
	}
	header := make(http.Header, len(res.Header))
	copyHeader(header, res.Header)
	return cache.Response{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       resBody,
	}, nil
}

// copyHeader copies all end-to-end headers from src to dst.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

func removeHopHeaders(h http.Header) {
	// headers listed in Connection are hop-by-hop as well
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
