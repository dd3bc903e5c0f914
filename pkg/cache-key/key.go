package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const (
	originSeparator = ":"
	methodSeparator = ":"
	headerSeparator = "\t"
)

type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin URL.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all GET requests in the cache.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + method + methodSeparator
}

// GetKey returns the cache key for a request.
// Two requests with the same method and request URI share a key.
// If the request has a `Cache-Key` header, that value is included in the key,
// which lets clients split the cache for otherwise equal requests.
// No other header is part of the key.
func (c CacheKeyer) GetKey(r *http.Request) string {
	key := c.MethodPrefix(r.Method) + r.URL.RequestURI() + headerSeparator
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		key += ck
	}
	return key
}

// Parts decodes a key generated by GetKey.
// It returns an error if the key was not generated for this origin.
func (c CacheKeyer) Parts(key string) (method, uri, cacheKey string, err error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return "", "", "", fmt.Errorf("%w: key and origin do not match", ErrorMalformedKey)
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	request, cacheKey, found := strings.Cut(keyNoOrigin, headerSeparator)
	if !found {
		return "", "", "", fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	method, uri, found = strings.Cut(request, methodSeparator)
	if !found {
		return "", "", "", fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return method, uri, cacheKey, nil
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, cacheKey, err := c.Parts(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	if cacheKey != "" {
		req.Header.Set("Cache-Key", cacheKey)
	}
	return req, nil
}
