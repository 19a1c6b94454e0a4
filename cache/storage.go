// Package cache persists responses keyed by request fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cachekey "github.com/always-cache/crawlcache/pkg/cache-key"
	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownStorage = errors.New("unknown cache storage")
	ErrUnknownModule  = errors.New("unknown dbm module")
	ErrNotOpen        = errors.New("cache namespace is not open")
)

// Storage persists responses per namespace.
// Implementations must be safe for concurrent use.
// A write to the same fingerprint replaces the previous one (last write wins).
type Storage interface {
	// Open acquires the backing resource of a namespace.
	Open(ctx context.Context, namespace string) error
	// Close releases it.
	Close(ctx context.Context, namespace string) error
	// Retrieve returns the stored entry for the request.
	// An expired entry is reported as not found, never as an error.
	Retrieve(ctx context.Context, namespace string, req *httpmsg.Request) (*Entry, bool, error)
	// Store writes the response unconditionally.
	Store(ctx context.Context, namespace string, req *httpmsg.Request, res *httpmsg.Response) error
}

// Deleter is implemented by storages that can remove single entries.
type Deleter interface {
	Delete(ctx context.Context, namespace string, req *httpmsg.Request) error
}

// Entry is a response as read back from storage.
type Entry struct {
	Status   int
	URL      string
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response returns a copy of the entry as a response.
func (e *Entry) Response() *httpmsg.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &httpmsg.Response{
		Status: e.Status,
		URL:    e.URL,
		Header: header,
		Body:   append([]byte(nil), e.Body...),
	}
}

// expired reports whether an entry stored at storedAt is past its TTL.
// A zero TTL never expires.
func expired(storedAt time.Time, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(storedAt) > ttl
}

type Options struct {
	// Directory of the embedded key-value files.
	Dir string
	// Embedded key-value module: sqlite, bolt or memory.
	DbmModule string
	// Entries older than this are treated as absent. Zero keeps entries forever.
	Expiration time.Duration
	// Fingerprinter used for keys.
	Fingerprinter cachekey.Fingerprinter
	Mongo         MongoConfig
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

func (o Options) logger(storage string) zerolog.Logger {
	logger := log.Logger
	if o.Logger != nil {
		logger = *o.Logger
	}
	return logger.With().Str("storage", storage).Logger()
}

// New resolves a storage selector.
func New(name string, opts Options) (Storage, error) {
	switch strings.ToLower(name) {
	case "", "dbm":
		return NewDbmStorage(opts)
	case "mongo", "mongodb":
		return NewMongoStorage(opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, name)
}
