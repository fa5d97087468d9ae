package cache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestResponseToEntry(t *testing.T) {
	tests := []struct {
		name       string
		resp       *http.Response
		maxAge     time.Duration
		wantErr    bool
		wantExpiry bool
	}{
		{
			name: "valid response",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Content-Type": []string{"application/json"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`{"test": "data"}`))),
			},
		},
		{
			name: "with max age",
			resp: &http.Response{
				StatusCode: 200,
				Header:     http.Header{},
				Body:       io.NopCloser(bytes.NewReader([]byte(`body`))),
			},
			maxAge:     time.Minute,
			wantExpiry: true,
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ResponseToEntry(tt.resp, tt.maxAge)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResponseToEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			// Verify body was read and restored
			body, _ := io.ReadAll(tt.resp.Body)
			if !bytes.Equal(body, entry.Data) || len(body) == 0 {
				t.Errorf("Response body was not restored: %q", body)
			}

			if entry.StatusCode != tt.resp.StatusCode {
				t.Errorf("StatusCode = %v, want %v", entry.StatusCode, tt.resp.StatusCode)
			}

			if got := !entry.Expires.IsZero(); got != tt.wantExpiry {
				t.Errorf("Expires set = %v, want %v", got, tt.wantExpiry)
			}
		})
	}
}

func TestEntryToResponse(t *testing.T) {
	entry := &CacheEntry{
		Data:       []byte(`{"a":1}`),
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		CachedAt:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	resp := EntryToResponse(entry, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderCachedAt); got != "2024-01-01T12:00:00Z" {
		t.Errorf("%s = %q", HeaderCachedAt, got)
	}
	if !IsCachedResponse(resp) {
		t.Error("IsCachedResponse() = false")
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"a":1}` {
		t.Errorf("body = %q", body)
	}

	// The entry headers must not be mutated
	if entry.Headers.Get(HeaderCachedAt) != "" {
		t.Error("EntryToResponse mutated entry headers")
	}
}

func TestEntryToResponse_Nil(t *testing.T) {
	if EntryToResponse(nil, nil) != nil {
		t.Error("EntryToResponse(nil) should return nil")
	}
}
