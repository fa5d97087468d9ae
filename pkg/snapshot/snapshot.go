// Package snapshot retains previously delivered page content so that offline
// navigation to routes that were never fetched can still render.
//
// Snapshots are merged, never replaced: a resource missing from a newer
// delivery keeps its last known content. Nothing is ever purged, so the
// stored snapshot grows with the number of distinct resources seen.
package snapshot

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

	"github.com/Sternrassler/swcache/pkg/store"
	"github.com/rs/zerolog"
)

// ResourceParam is the query parameter naming the requested resource.
const ResourceParam = "resource"

// snapshotKey is the key of the snapshot inside the init partition.
const snapshotKey = "snapshot"

// HeaderSource marks responses synthesized from the snapshot.
const HeaderSource = "X-Swcache-Source"

// ErrResourceNotFound is returned when the snapshot has no content for the
// requested resource.
var ErrResourceNotFound = errors.New("resource not in snapshot")

// Resource is the stored content of one named resource.
type Resource struct {
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body"`
}

// Snapshot is the delivered content keyed by resource name.
type Snapshot struct {
	Resources map[string]Resource `json:"resources"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Merge returns next with every resource of prev that next lacks.
// Neither input is modified.
func Merge(prev, next Snapshot) Snapshot {
	out := Snapshot{
		Resources: make(map[string]Resource, len(prev.Resources)+len(next.Resources)),
		UpdatedAt: next.UpdatedAt,
	}
	for name, res := range prev.Resources {
		out.Resources[name] = res
	}
	for name, res := range next.Resources {
		out.Resources[name] = res
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = prev.UpdatedAt
	}
	return out
}

// Store keeps the snapshot in the init partition.
type Store struct {
	kv     *store.Store
	logger zerolog.Logger

	// updating serializes the load, merge and write of Update.
	updating sync.Mutex
}

// NewStore creates a snapshot store on kv.
func NewStore(kv *store.Store, logger zerolog.Logger) *Store {
	if kv == nil {
		panic("store cannot be nil")
	}
	return &Store{
		kv:     kv,
		logger: logger.With().Str("component", "snapshot").Logger(),
	}
}

// Load returns the stored snapshot, or an empty one if none was stored yet.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	data, err := s.kv.Get(ctx, store.PartitionInit, snapshotKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Snapshot{Resources: map[string]Resource{}}, nil
		}
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Resources == nil {
		snap.Resources = map[string]Resource{}
	}
	return snap, nil
}

// Update merges next into the stored snapshot and returns the result.
// Concurrent updates are applied one after the other.
func (s *Store) Update(ctx context.Context, next Snapshot) (Snapshot, error) {
	s.updating.Lock()
	defer s.updating.Unlock()

	prev, err := s.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	merged := Merge(prev, next)

	data, err := json.Marshal(merged)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Put(ctx, store.PartitionInit, snapshotKey, data); err != nil {
		return Snapshot{}, fmt.Errorf("store snapshot: %w", err)
	}

	snapshotResources.Set(float64(len(merged.Resources)))
	s.logger.Debug().
		Int("delivered", len(next.Resources)).
		Int("total", len(merged.Resources)).
		Msg("Snapshot updated")

	return merged, nil
}

// ResourceContentResponse synthesizes a response for cacheReq from the stored
// content of the resource named by its query string.
func (s *Store) ResourceContentResponse(ctx context.Context, cacheReq *http.Request) (*http.Response, error) {
	name := cacheReq.URL.Query().Get(ResourceParam)
	if name == "" {
		return nil, fmt.Errorf("%w: no %s parameter in %s", ErrResourceNotFound, ResourceParam, cacheReq.URL.Path)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	res, ok := snap.Resources[name]
	if !ok {
		snapshotMisses.Inc()
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, name)
	}

	snapshotHits.Inc()
	s.logger.Debug().Str("resource", name).Msg("Serving resource from snapshot")

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   []string{contentType},
			"Content-Length": []string{strconv.Itoa(len(res.Body))},
			HeaderSource:     []string{"snapshot"},
		},
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		Request:       cacheReq,
	}, nil
}
