package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HeaderCachedAt marks responses served from a partition.
const HeaderCachedAt = "X-Swcache-Cached-At"

// ResponseToEntry converts an HTTP response to a CacheEntry.
// The response body is restored after reading. A positive maxAge sets Expires.
func ResponseToEntry(resp *http.Response, maxAge time.Duration) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		resp.Body.Close()
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	entry := &CacheEntry{
		Data:       body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   now,
	}
	if maxAge > 0 {
		entry.Expires = now.Add(maxAge)
	}

	return entry, nil
}

// EntryToResponse converts a cache entry back to an HTTP response for req.
func EntryToResponse(entry *CacheEntry, req *http.Request) *http.Response {
	if entry == nil {
		return nil
	}

	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCachedAt, entry.CachedAt.UTC().Format(time.RFC3339))
	header.Set("Content-Length", strconv.Itoa(len(entry.Data)))

	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}

// IsCachedResponse reports whether resp came from a partition.
func IsCachedResponse(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(HeaderCachedAt) != ""
}
