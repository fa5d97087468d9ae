// Package deferred queues write requests that failed over the network and
// replays them once the upstream is reachable again.
//
// Queued writes live in the store's requests partition, keyed by a random ID
// and replayed in the order they were queued. A request body may carry
// client-side fallback metadata under the top-level "fallback" property (or
// in the X-Fallback header); it is kept in the queue but never sent upstream.
package deferred

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/swcache/pkg/identity"
	"github.com/Sternrassler/swcache/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// HeaderDeferred carries the queue ID of a deferred write.
	HeaderDeferred = "X-Swcache-Deferred"

	// HeaderFallback carries fallback metadata outside the body.
	HeaderFallback = "X-Fallback"

	// fallbackProperty is the body property holding fallback metadata.
	fallbackProperty = "fallback"

	// fallbackKeyPath identifies the logical record a write targets.
	fallbackKeyPath = "fallback.key"
)

// Doer executes network requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is a queued write.
type Request struct {
	ID         string      `json:"id"`
	PathPrefix string      `json:"path_prefix"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	Fallback   string      `json:"fallback,omitempty"`
	QueuedAt   time.Time   `json:"queued_at"`
	Attempts   int         `json:"attempts"`
}

// supersededBy reports whether a successful write of method, url and body
// makes r obsolete.
func (r *Request) supersededBy(method, url string, body []byte, key string) bool {
	if r.Method != method || r.URL != url {
		return false
	}
	switch {
	case r.Fallback != "" && key != "":
		return r.Fallback == key
	case r.Fallback == "" && key == "":
		return bytes.Equal(r.Body, body)
	default:
		return false
	}
}

// Response is the answer given to the caller of a deferred write.
func (r *Request) Response(req *http.Request) *http.Response {
	body, _ := json.Marshal(map[string]any{
		"deferred": true,
		"id":       r.ID,
	})
	return &http.Response{
		Status:     "202 Accepted",
		StatusCode: http.StatusAccepted,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   []string{"application/json"},
			"Content-Length": []string{strconv.Itoa(len(body))},
			HeaderDeferred:   []string{r.ID},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// Limiter gates replay on upstream back-pressure. *ratelimit.Tracker
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context) (time.Duration, error)
	UpdateFromResponse(ctx context.Context, resp *http.Response) error
}

// Queue is the deferred-write queue.
type Queue struct {
	kv      *store.Store
	client  Doer
	retry   RetryConfig
	limiter Limiter
	logger  zerolog.Logger

	// replaying serializes Replay runs.
	replaying sync.Mutex

	// pruning guards the removal of superseded writes against replay
	// rewriting a record it read before the removal.
	pruning sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryConfig sets the per-request replay retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(q *Queue) {
		q.retry = cfg
	}
}

// WithLimiter holds replay back while l reports the upstream blocked.
func WithLimiter(l Limiter) Option {
	return func(q *Queue) {
		q.limiter = l
	}
}

// NewQueue creates a queue persisted in kv. A nil client uses
// http.DefaultClient.
func NewQueue(kv *store.Store, client Doer, logger zerolog.Logger, opts ...Option) *Queue {
	if kv == nil {
		panic("store cannot be nil")
	}
	if client == nil {
		client = http.DefaultClient
	}

	q := &Queue{
		kv:     kv,
		client: client,
		retry:  DefaultRetryConfig(),
		logger: logger.With().Str("component", "deferred").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DeferRequest queues req for replay. The body is stored unchanged,
// fallback metadata included.
func (q *Queue) DeferRequest(ctx context.Context, pathPrefix string, req *http.Request) (*Request, error) {
	body, err := identity.ReadBody(req)
	if err != nil {
		return nil, fmt.Errorf("defer request: %w", err)
	}

	rec := &Request{
		ID:         uuid.NewString(),
		PathPrefix: pathPrefix,
		Method:     req.Method,
		URL:        req.URL.String(),
		Header:     req.Header.Clone(),
		Body:       body,
		Fallback:   fallbackKey(req.Header, body),
		QueuedAt:   time.Now().UTC(),
	}

	if err := q.save(ctx, rec); err != nil {
		return nil, err
	}

	deferredRequests.WithLabelValues(pathPrefix).Inc()
	q.logger.Info().
		Str("id", rec.ID).
		Str("method", rec.Method).
		Str("url", rec.URL).
		Msg("Write deferred")

	return rec, nil
}

// RemoveFallback returns the network form of req without fallback metadata:
// the X-Fallback header is dropped and so is the "fallback" property of a
// JSON object body. Other bodies are forwarded unchanged.
func RemoveFallback(ctx context.Context, creds identity.Credentials, req *http.Request) (*http.Request, error) {
	out, err := identity.NetworkForm(ctx, req, req.URL, creds)
	if err != nil {
		return nil, err
	}
	out.Header.Del(HeaderFallback)

	body, err := identity.ReadBody(req)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || !gjson.ValidBytes(body) || !gjson.GetBytes(body, fallbackProperty).Exists() {
		return out, nil
	}

	stripped, err := sjson.DeleteBytes(body, fallbackProperty)
	if err != nil {
		return nil, fmt.Errorf("remove fallback: %w", err)
	}
	identity.SetBody(out, stripped)
	return out, nil
}

// MaintainRequests removes queued writes made obsolete by the successful
// write req. A queued write is obsolete when it has the same method and URL
// and either the same fallback key or, when neither carries one, the same
// body.
func (q *Queue) MaintainRequests(ctx context.Context, req *http.Request) error {
	body, err := identity.ReadBody(req)
	if err != nil {
		return fmt.Errorf("maintain requests: %w", err)
	}
	key := fallbackKey(req.Header, body)
	url := req.URL.String()

	q.pruning.Lock()
	defer q.pruning.Unlock()

	queued, err := q.List(ctx)
	if err != nil {
		return err
	}

	var ops []store.Op
	for _, rec := range queued {
		if rec.supersededBy(req.Method, url, body, key) {
			ops = append(ops, store.Op{Type: store.OpDel, Key: rec.ID})
		}
	}
	if len(ops) == 0 {
		return nil
	}

	if err := q.kv.Batch(ctx, store.PartitionRequests, ops); err != nil {
		return fmt.Errorf("prune superseded requests: %w", err)
	}

	deferredPruned.Add(float64(len(ops)))
	q.logger.Debug().Int("pruned", len(ops)).Str("url", url).Msg("Superseded writes removed")
	return nil
}

// List returns the queued writes in queue order.
func (q *Queue) List(ctx context.Context) ([]*Request, error) {
	records, err := q.kv.All(ctx, store.PartitionRequests)
	if err != nil {
		return nil, fmt.Errorf("list deferred requests: %w", err)
	}

	out := make([]*Request, 0, len(records))
	for _, record := range records {
		var rec Request
		if err := json.Unmarshal(record.Value, &rec); err != nil {
			// Undecodable entries can never be replayed.
			q.logger.Warn().Err(err).Str("id", record.Key).Msg("Dropping corrupt deferred request")
			if derr := q.kv.Del(ctx, store.PartitionRequests, record.Key); derr != nil {
				return nil, errors.Join(err, derr)
			}
			continue
		}
		out = append(out, &rec)
	}

	deferredQueued.Set(float64(len(out)))
	return out, nil
}

func (q *Queue) save(ctx context.Context, rec *Request) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode deferred request: %w", err)
	}
	if err := q.kv.Put(ctx, store.PartitionRequests, rec.ID, data); err != nil {
		return fmt.Errorf("store deferred request: %w", err)
	}
	return nil
}

// update stores rec only while it is still queued. It reports false when the
// record was removed in the meantime.
func (q *Queue) update(ctx context.Context, rec *Request) (bool, error) {
	q.pruning.Lock()
	defer q.pruning.Unlock()

	if _, err := q.kv.Get(ctx, store.PartitionRequests, rec.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load deferred request: %w", err)
	}
	return true, q.save(ctx, rec)
}

// fallbackKey returns the fallback key of a write, preferring the body.
func fallbackKey(header http.Header, body []byte) string {
	if len(body) > 0 && gjson.ValidBytes(body) {
		if key := gjson.GetBytes(body, fallbackKeyPath); key.Exists() {
			return key.String()
		}
	}
	return header.Get(HeaderFallback)
}
