package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cachekey "github.com/always-cache/crawlcache/pkg/cache-key"
	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
	serializer "github.com/always-cache/crawlcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

const (
	dataSuffix = "_data"
	timeSuffix = "_time"
)

// kvDB is a single embedded key-value file.
type kvDB interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

type kvOpener func(path string) (kvDB, error)

var dbmModules = map[string]kvOpener{
	"sqlite": openSQLite,
	"bolt":   openBolt,
	"memory": openMemory,
}

// DbmModules lists the supported embedded key-value modules.
func DbmModules() []string {
	names := make([]string, 0, len(dbmModules))
	for name := range dbmModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DbmStorage keeps one key-value file per namespace at <dir>/<namespace>.db.
// Each fingerprint has two records: <fp>_data holds the payload and
// <fp>_time the store time in unix seconds.
type DbmStorage struct {
	dir        string
	module     string
	openDB     kvOpener
	expiration time.Duration
	keyer      cachekey.Fingerprinter
	log        zerolog.Logger
	now        func() time.Time

	mu  sync.RWMutex
	dbs map[string]kvDB
}

func NewDbmStorage(opts Options) (*DbmStorage, error) {
	module := strings.ToLower(opts.DbmModule)
	if module == "" {
		module = "sqlite"
	}
	opener, ok := dbmModules[module]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownModule, opts.DbmModule, strings.Join(DbmModules(), ", "))
	}
	return &DbmStorage{
		dir:        opts.Dir,
		module:     module,
		openDB:     opener,
		expiration: opts.Expiration,
		keyer:      opts.Fingerprinter,
		log:        opts.logger("dbm"),
		now:        time.Now,
		dbs:        make(map[string]kvDB),
	}, nil
}

// Path returns the file backing a namespace.
func (s *DbmStorage) Path(namespace string) string {
	return filepath.Join(s.dir, safeFileName(namespace)+".db")
}

// Open is a no-op for a namespace that is already open.
func (s *DbmStorage) Open(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[namespace]; ok {
		return nil
	}
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	path := s.Path(namespace)
	db, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("open %s cache %s: %w", s.module, path, err)
	}
	s.dbs[namespace] = db
	s.log.Debug().Str("namespace", namespace).Str("path", path).Msg("Opened cache storage")
	return nil
}

func (s *DbmStorage) Close(ctx context.Context, namespace string) error {
	s.mu.Lock()
	db, ok := s.dbs[namespace]
	delete(s.dbs, namespace)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close cache %s: %w", namespace, err)
	}
	s.log.Debug().Str("namespace", namespace).Msg("Closed cache storage")
	return nil
}

func (s *DbmStorage) db(namespace string) (kvDB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.dbs[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, namespace)
	}
	return db, nil
}

// Retrieve reads the time record first and only decodes the payload of live entries.
func (s *DbmStorage) Retrieve(ctx context.Context, namespace string, req *httpmsg.Request) (*Entry, bool, error) {
	db, err := s.db(namespace)
	if err != nil {
		return nil, false, err
	}
	key := s.keyer.Fingerprint(req)
	ts, ok, err := db.Get(key + timeSuffix)
	if err != nil || !ok {
		return nil, false, err
	}
	storedAt, err := serializer.DecodeTime(ts)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	if expired(storedAt, s.expiration, s.now()) {
		return nil, false, nil
	}
	data, ok, err := db.Get(key + dataSuffix)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := serializer.DecodePayload(data)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return &Entry{
		Status:   p.Status,
		URL:      p.URL,
		Header:   p.Headers,
		Body:     p.Body,
		StoredAt: storedAt,
	}, true, nil
}

func (s *DbmStorage) Store(ctx context.Context, namespace string, req *httpmsg.Request, res *httpmsg.Response) error {
	db, err := s.db(namespace)
	if err != nil {
		return err
	}
	key := s.keyer.Fingerprint(req)
	data, err := serializer.EncodePayload(serializer.Payload{
		Status:  res.Status,
		URL:     res.URL,
		Headers: res.Header,
		Body:    res.Body,
	})
	if err != nil {
		return err
	}
	if err := db.Put(key+dataSuffix, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := db.Put(key+timeSuffix, serializer.EncodeTime(s.now())); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.log.Trace().Str("namespace", namespace).Str("fingerprint", key).Msg("Stored response")
	return nil
}

func (s *DbmStorage) Delete(ctx context.Context, namespace string, req *httpmsg.Request) error {
	db, err := s.db(namespace)
	if err != nil {
		return err
	}
	key := s.keyer.Fingerprint(req)
	if err := db.Delete(key + timeSuffix); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := db.Delete(key + dataSuffix); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// safeFileName maps a namespace to a file name inside the cache directory.
// Letters, digits, "-" and non-leading "." are kept, every other byte becomes
// "_" plus two hex digits, so distinct namespaces never share a file.
func safeFileName(namespace string) string {
	if namespace == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(namespace); i++ {
		c := namespace[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}
