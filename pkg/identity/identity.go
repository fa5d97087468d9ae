// Package identity derives the two forms of one logical request: the network
// form that is sent upstream and the cache form used as a cache key.
//
// Cache partitions match on the full URL, so the cache form drops every query
// parameter that does not identify the resource. Parameters named in keep
// survive and are sorted, which makes the transform idempotent.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Credentials controls whether a network form carries the caller's credentials.
type Credentials int

const (
	// Include forwards Cookie and Authorization headers upstream.
	Include Credentials = iota

	// Omit strips credentials. Used for third-party origins.
	Omit
)

// DefaultMaxBody bounds how much of a request body is buffered for replay.
const DefaultMaxBody = 1 << 20

// ErrBodyTooLarge is returned by BufferBody when the body exceeds its limit.
var ErrBodyTooLarge = errors.New("request body too large")

// credentialHeaders are the headers that carry caller credentials.
var credentialHeaders = []string{"Cookie", "Authorization"}

// hopHeaders are never forwarded to the upstream.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Identity is the pair of request forms derived from one logical request.
type Identity struct {
	Network *http.Request
	Cache   *http.Request
}

// NormalizeURL returns the cache form of u. Query parameters not named in
// keep are removed, kept parameters are sorted and the fragment is dropped.
// The input is not modified.
func NormalizeURL(u *url.URL, keep ...string) *url.URL {
	out := *u
	out.Fragment = ""
	out.RawFragment = ""
	out.User = nil
	out.ForceQuery = false

	if len(keep) == 0 || out.RawQuery == "" {
		out.RawQuery = ""
		return &out
	}

	query := u.Query()
	kept := url.Values{}
	for _, name := range keep {
		if values, ok := query[name]; ok {
			kept[name] = values
		}
	}
	// Encode sorts by key.
	out.RawQuery = kept.Encode()
	return &out
}

// Rebase resolves the path and query of r against base. prefix, if set, is
// trimmed from the incoming path first.
func Rebase(r *http.Request, base *url.URL, prefix string) *url.URL {
	path := r.URL.Path
	if prefix != "" {
		path = strings.TrimPrefix(path, strings.TrimSuffix(prefix, "/"))
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""
	return &target
}

// NetworkForm builds the outbound request for r against target.
func NetworkForm(ctx context.Context, r *http.Request, target *url.URL, creds Credentials) (*http.Request, error) {
	body, err := bodyReader(r)
	if err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build network request: %w", err)
	}
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if creds == Omit {
		for _, h := range credentialHeaders {
			out.Header.Del(h)
		}
	}
	out.ContentLength = r.ContentLength
	out.GetBody = r.GetBody
	return out, nil
}

// CacheForm builds the cache-keyed request for r against target. The cache
// form never carries credentials.
func CacheForm(ctx context.Context, r *http.Request, target *url.URL, keep ...string) (*http.Request, error) {
	body, err := bodyReader(r)
	if err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, NormalizeURL(target, keep...).String(), body)
	if err != nil {
		return nil, fmt.Errorf("build cache request: %w", err)
	}
	out.Header = http.Header{}
	if accept := r.Header.Get("Accept"); accept != "" {
		out.Header.Set("Accept", accept)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		out.Header.Set("Content-Type", ct)
	}
	out.ContentLength = r.ContentLength
	out.GetBody = r.GetBody
	return out, nil
}

// BufferBody reads at most limit bytes of r's body into memory and installs
// GetBody so every derived form can re-read it.
func BufferBody(r *http.Request, limit int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMaxBody
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if int64(len(data)) > limit {
		return fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}

	SetBody(r, data)
	return nil
}

// SetBody replaces r's body with data.
func SetBody(r *http.Request, data []byte) {
	r.ContentLength = int64(len(data))
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// ReadBody returns a copy of r's body without consuming it.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := bodyReader(r)
	if err != nil || body == nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func bodyReader(r *http.Request) (io.ReadCloser, error) {
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, fmt.Errorf("reopen request body: %w", err)
		}
		return body, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	return nil, fmt.Errorf("request body is not replayable")
}
