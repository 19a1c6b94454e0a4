package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"net/http"
	"sync"
	"testing"
	"time"

	cachekey "github.com/always-cache/crawlcache/pkg/cache-key"
	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// fakeMongo behaves like a collection with a unique index on key.
// A non-zero maxDocSize rejects writes whose resulting document is larger.
type fakeMongo struct {
	mu           sync.Mutex
	docs         map[string]mongoDocument
	indexed      bool
	disconnected bool
	maxDocSize   int
}

func (f *fakeMongo) EnsureKeyIndex(ctx context.Context) error {
	f.indexed = true
	return nil
}

func (f *fakeMongo) checkSize(doc mongoDocument) error {
	if f.maxDocSize == 0 {
		return nil
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	if len(raw) > f.maxDocSize {
		return fmt.Errorf("document too large: %d bytes", len(raw))
	}
	return nil
}

func (f *fakeMongo) Upsert(ctx context.Context, doc *mongoDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := *doc
	next.DataForHuman = nil
	if err := f.checkSize(next); err != nil {
		return err
	}
	f.docs[doc.Key] = next
	return nil
}

func (f *fakeMongo) SetHuman(ctx context.Context, key string, human *humanData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key]
	if !ok {
		return nil
	}
	doc.DataForHuman = human
	if err := f.checkSize(doc); err != nil {
		return err
	}
	f.docs[key] = doc
	return nil
}

func (f *fakeMongo) Find(ctx context.Context, key string) (*mongoDocument, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key]
	if !ok {
		return nil, false, nil
	}
	// projection drops the readable copy
	doc.DataForHuman = nil
	return &doc, true, nil
}

func (f *fakeMongo) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, key)
	return nil
}

func (f *fakeMongo) Disconnect(ctx context.Context) error {
	f.disconnected = true
	return nil
}

func newFakeMongoStorage(t *testing.T, ttl time.Duration) (*MongoStorage, *fakeMongo) {
	t.Helper()
	fake := &fakeMongo{docs: make(map[string]mongoDocument)}
	s := NewMongoStorage(Options{Mongo: DefaultMongoConfig(), Expiration: ttl})
	connects := 0
	s.connect = func(ctx context.Context, config MongoConfig) (mongoBackend, error) {
		connects++
		require.Equal(t, 1, connects, "client connected twice")
		return fake, nil
	}
	return s, fake
}

func TestMongoLazyConnectAndRefcountedClose(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeMongoStorage(t, 0)
	assert.Nil(t, s.backend)

	require.NoError(t, s.Open(ctx, "a"))
	require.NoError(t, s.Open(ctx, "b"))
	assert.True(t, fake.indexed)

	require.NoError(t, s.Close(ctx, "a"))
	assert.False(t, fake.disconnected)
	require.NoError(t, s.Close(ctx, "b"))
	assert.True(t, fake.disconnected)

	_, _, err := s.Retrieve(ctx, "a", newRequest(t, "http://example.com/"))
	assert.True(t, errors.Is(err, ErrNotOpen))
}

func TestMongoUpsertIdempotence(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeMongoStorage(t, 0)
	require.NoError(t, s.Open(ctx, "spider"))
	req := newRequest(t, "http://example.com/")

	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/", "first")))
	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/", "second")))
	assert.Len(t, fake.docs, 1)

	entry, ok, err := s.Retrieve(ctx, "spider", req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(entry.Body))
	assert.Equal(t, []string{"a", "b"}, entry.Header.Values("X-Test"))
}

func TestMongoSharedAcrossNamespaces(t *testing.T) {
	ctx := context.Background()
	s, _ := newFakeMongoStorage(t, 0)
	require.NoError(t, s.Open(ctx, "a"))
	require.NoError(t, s.Open(ctx, "b"))
	req := newRequest(t, "http://example.com/")
	require.NoError(t, s.Store(ctx, "a", req, newResponse("http://example.com/", "x")))
	_, ok, err := s.Retrieve(ctx, "b", req)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMongoExpiration(t *testing.T) {
	ctx := context.Background()
	s, _ := newFakeMongoStorage(t, 10*time.Second)
	stored := time.Unix(1700000000, 0)
	clock := stored
	s.now = func() time.Time { return clock }
	require.NoError(t, s.Open(ctx, "spider"))
	req := newRequest(t, "http://example.com/")
	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/", "x")))

	clock = stored.Add(9 * time.Second)
	_, ok, _ := s.Retrieve(ctx, "spider", req)
	assert.True(t, ok)
	clock = stored.Add(11 * time.Second)
	_, ok, err := s.Retrieve(ctx, "spider", req)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMongoHumanProjectionFailureDoesNotBlockWrite(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeMongoStorage(t, 0)
	require.NoError(t, s.Open(ctx, "spider"))
	req := newRequest(t, "http://example.com/")
	fp := cachekey.Fingerprint(req)

	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/", "x")))
	require.NotNil(t, fake.docs[fp].DataForHuman)

	s.humanize = func(*httpmsg.Response) (*humanData, error) { panic("boom") }
	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/", "y")))
	assert.Nil(t, fake.docs[fp].DataForHuman)
	assert.Equal(t, "y", string(fake.docs[fp].Data.Body))

	s.humanize = func(*httpmsg.Response) (*humanData, error) { return nil, errors.New("bad charset") }
	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/", "z")))
	assert.Equal(t, "z", string(fake.docs[fp].Data.Body))
}

func TestMongoDelete(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeMongoStorage(t, 0)
	require.NoError(t, s.Open(ctx, "spider"))
	req := newRequest(t, "http://example.com/")
	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/", "x")))
	require.NoError(t, s.Delete(ctx, "spider", req))
	assert.Empty(t, fake.docs)
}

func TestUpsertUpdate(t *testing.T) {
	doc := &mongoDocument{Key: "k", Data: mongoData{Status: 200}, Time: 1, DataForHuman: &humanData{Body: "x"}}
	update := upsertUpdate(doc)
	assert.Equal(t, bson.M{"data_for_human": ""}, update["$unset"])
	assert.Equal(t, bson.M{"key": "k", "data": doc.Data, "time": float64(1)}, update["$set"])

	assert.Equal(t, bson.M{"$set": bson.M{"data_for_human": doc.DataForHuman}}, humanUpdate(doc.DataForHuman))
}

func TestMongoOversizedReadableCopyKeepsEntry(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeMongoStorage(t, 0)
	require.NoError(t, s.Open(ctx, "spider"))
	req := newRequest(t, "http://example.com/big")
	fp := cachekey.Fingerprint(req)
	body := strings.Repeat("é", 2000)
	// room for the body once, not for the raw bytes plus the decoded text
	fake.maxDocSize = len(body) + 1024

	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/big", body)))
	assert.Nil(t, fake.docs[fp].DataForHuman)

	entry, ok, err := s.Retrieve(ctx, "spider", req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, string(entry.Body))

	fake.maxDocSize = 0
	require.NoError(t, s.Store(ctx, "spider", req, newResponse("http://example.com/big", "small")))
	require.NotNil(t, fake.docs[fp].DataForHuman)
	fake.maxDocSize = 1
	assert.Error(t, s.Store(ctx, "spider", req, newResponse("http://example.com/big", "small")), "authoritative write errors still propagate")
}

func TestCookieFieldNamesAreEscaped(t *testing.T) {
	cookie := parseCookie("$Version=1; a.b=c; ok=1")
	assert.Equal(t, "1", cookie["\uff04Version"])
	assert.Equal(t, "c", cookie["a\uff0eb"])
	assert.Equal(t, "1", cookie["ok"])
	_, err := bson.Marshal(bson.M{"cookie": cookie})
	assert.NoError(t, err)
}

func TestDocumentFieldNames(t *testing.T) {
	raw, err := bson.Marshal(mongoDocument{
		Key:  "fp",
		Data: mongoData{Status: 200, URL: "http://example.com/", Headers: http.Header{"A": {"1"}}, Body: []byte("x")},
		Time: 1700000000.5,
	})
	require.NoError(t, err)
	doc := bson.Raw(raw)
	assert.Equal(t, "fp", doc.Lookup("key").StringValue())
	assert.Equal(t, int32(200), doc.Lookup("data", "status").Int32())
	assert.Equal(t, "http://example.com/", doc.Lookup("data", "url").StringValue())
	assert.Equal(t, 1700000000.5, doc.Lookup("time").Double())
	_, err = doc.LookupErr("data_for_human")
	assert.Error(t, err)
}

func TestHumanize(t *testing.T) {
	res := &httpmsg.Response{
		Status: 200,
		URL:    "http://example.com/",
		Header: http.Header{
			"Content-Type": {"text/html; charset=iso-8859-1"},
			"Date":         {"Wed, 01 May 2024 12:00:00 GMT"},
			"Set-Cookie": {
				"session=abc; Path=/; HttpOnly; Expires=Thu, 02-May-2024 12:00:00 GMT",
				" theme = dark ;",
			},
		},
		Body: []byte("caf\xe9"),
	}
	h, err := humanize(res)
	require.NoError(t, err)
	assert.Equal(t, "café", h.Body)
	require.Len(t, h.Cookies, 2)
	assert.Equal(t, "abc", h.Cookies[0]["session"])
	assert.Equal(t, "/", h.Cookies[0]["Path"])
	assert.Equal(t, "", h.Cookies[0]["HttpOnly"])
	expires, ok := h.Cookies[0]["Expires"].(time.Time)
	require.True(t, ok, "Expires is %T", h.Cookies[0]["Expires"])
	assert.True(t, expires.Equal(time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)), "Expires is %v", expires)
	assert.Equal(t, "dark", h.Cookies[1]["theme"])
	require.NotNil(t, h.Date)
	assert.Equal(t, 2024, h.Date.Year())
	assert.Nil(t, h.Expires)
}
