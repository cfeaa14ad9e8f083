package worker

import (
	"bytes"
	"io"
	"net/http"
	"sort"
	"sync"
)

// CachedResponse is a stored copy of a successful response.
type CachedResponse struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// HTTPResponse materializes a fresh *http.Response for req.
func (c CachedResponse) HTTPResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        http.StatusText(c.Status),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// AssetStorage holds named buckets of cached responses. It outlives worker
// versions; each version writes to its own bucket.
type AssetStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]CachedResponse
}

func NewAssetStorage() *AssetStorage {
	return &AssetStorage{buckets: make(map[string]map[string]CachedResponse)}
}

// Open creates the bucket if needed.
func (s *AssetStorage) Open(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string]CachedResponse)
	}
}

func (s *AssetStorage) Put(bucket, url string, resp CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string]CachedResponse)
	}
	resp.Header = resp.Header.Clone()
	resp.Body = bytes.Clone(resp.Body)
	s.buckets[bucket][url] = resp
}

func (s *AssetStorage) Match(bucket, url string) (CachedResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.buckets[bucket][url]
	return resp, ok
}

// Delete removes a whole bucket.
func (s *AssetStorage) Delete(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	delete(s.buckets, bucket)
	return ok
}

// Names lists the buckets in lexical order.
func (s *AssetStorage) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys lists the URLs stored in bucket in lexical order.
func (s *AssetStorage) Keys(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for key := range s.buckets[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
