package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrNotCacheable is returned when a non-2xx response is offered for storage.
	ErrNotCacheable = errors.New("cache: only 2xx responses are stored")
	// ErrPartitionNotFound is returned when a partition is looked up but was never opened.
	ErrPartitionNotFound = errors.New("cache: partition not found")
	// ErrEntryTooLarge is returned when a body exceeds the configured object size.
	ErrEntryTooLarge = errors.New("cache: entry exceeds max object bytes")
)

// Entry is a captured response. Entries are immutable once stored; a Put with
// the same key replaces the whole value.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

func (e Entry) Cacheable() bool {
	return e.Status >= http.StatusOK && e.Status < http.StatusMultipleChoices
}

func (e Entry) Clone() Entry {
	clone := Entry{Status: e.Status, Header: e.Header.Clone(), StoredAt: e.StoredAt}
	if e.Body != nil {
		clone.Body = append([]byte(nil), e.Body...)
	}
	return clone
}

// Write copies the entry to w, replacing any hop-specific length header.
func (e Entry) Write(w http.ResponseWriter) (int64, error) {
	header := w.Header()
	for key, values := range e.Header {
		header.Del(key)
		for _, value := range values {
			header.Add(key, value)
		}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	status := e.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	n, err := w.Write(e.Body)
	return int64(n), err
}

// FromResponse reads resp fully into an Entry. Bodies over maxBytes fail with
// ErrEntryTooLarge; maxBytes <= 0 disables the bound.
func FromResponse(resp *http.Response, maxBytes int64) (Entry, error) {
	if resp == nil {
		return Entry{}, errors.New("cache: nil response")
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Entry{}, err
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return Entry{}, ErrEntryTooLarge
	}
	header := resp.Header.Clone()
	for _, hop := range hopHeaders {
		header.Del(hop)
	}
	return Entry{Status: resp.StatusCode, Header: header, Body: body}, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Trailer",
	"Upgrade",
	"Content-Length",
}

// Partition is one named response store.
type Partition interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Storage holds every partition by name. Open creates a partition on first use.
type Storage interface {
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) (bool, error)
	Close() error
}

// Group searches partitions in order, the way a page-wide cache match does.
type Group []Partition

func (g Group) Match(ctx context.Context, key string) (Entry, Partition, bool) {
	for _, partition := range g {
		if partition == nil {
			continue
		}
		entry, ok, err := partition.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		return entry, partition, true
	}
	return Entry{}, nil, false
}
