package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cachekey "github.com/always-cache/crawlcache/pkg/cache-key"
	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDocument is one cached response. All namespaces share the collection
// and key is unique across it.
type mongoDocument struct {
	Key          string     `bson:"key"`
	Data         mongoData  `bson:"data"`
	DataForHuman *humanData `bson:"data_for_human,omitempty"`
	// Store time in fractional unix seconds.
	Time float64 `bson:"time"`
}

type mongoData struct {
	Status  int                 `bson:"status"`
	URL     string              `bson:"url"`
	Headers map[string][]string `bson:"headers"`
	Body    []byte              `bson:"body"`
}

// mongoBackend is the part of a collection the storage uses.
type mongoBackend interface {
	EnsureKeyIndex(ctx context.Context) error
	Upsert(ctx context.Context, doc *mongoDocument) error
	// SetHuman attaches the readable copy to an existing document.
	SetHuman(ctx context.Context, key string, human *humanData) error
	Find(ctx context.Context, key string) (*mongoDocument, bool, error)
	Remove(ctx context.Context, key string) error
	Disconnect(ctx context.Context) error
}

type mongoConnector func(ctx context.Context, config MongoConfig) (mongoBackend, error)

// MongoStorage keeps responses in a MongoDB collection.
// The client is connected when the first namespace opens and
// disconnected when the last one closes.
type MongoStorage struct {
	config     MongoConfig
	expiration time.Duration
	keyer      cachekey.Fingerprinter
	log        zerolog.Logger
	now        func() time.Time
	connect    mongoConnector
	humanize   func(*httpmsg.Response) (*humanData, error)

	mu      sync.RWMutex
	backend mongoBackend
	opened  map[string]int
}

func NewMongoStorage(opts Options) *MongoStorage {
	return &MongoStorage{
		config:     opts.Mongo,
		expiration: opts.Expiration,
		keyer:      opts.Fingerprinter,
		log:        opts.logger("mongo"),
		now:        time.Now,
		connect:    dialMongo,
		humanize:   humanize,
		opened:     make(map[string]int),
	}
}

func (s *MongoStorage) Open(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		backend, err := s.connect(ctx, s.config)
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		if err := backend.EnsureKeyIndex(ctx); err != nil {
			backend.Disconnect(ctx)
			return fmt.Errorf("create key index: %w", err)
		}
		s.backend = backend
		s.log.Debug().Str("uri", s.config.RedactedURI()).Msg("Connected to mongo")
	}
	s.opened[namespace]++
	return nil
}

func (s *MongoStorage) Close(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened[namespace] == 0 {
		return nil
	}
	s.opened[namespace]--
	if s.opened[namespace] == 0 {
		delete(s.opened, namespace)
	}
	if len(s.opened) > 0 || s.backend == nil {
		return nil
	}
	backend := s.backend
	s.backend = nil
	if err := backend.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect from mongo: %w", err)
	}
	s.log.Debug().Msg("Disconnected from mongo")
	return nil
}

func (s *MongoStorage) conn(namespace string) (mongoBackend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.opened[namespace] == 0 || s.backend == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, namespace)
	}
	return s.backend, nil
}

func (s *MongoStorage) Retrieve(ctx context.Context, namespace string, req *httpmsg.Request) (*Entry, bool, error) {
	backend, err := s.conn(namespace)
	if err != nil {
		return nil, false, err
	}
	key := s.keyer.Fingerprint(req)
	doc, ok, err := backend.Find(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	storedAt := unixSeconds(doc.Time)
	if expired(storedAt, s.expiration, s.now()) {
		return nil, false, nil
	}
	if doc.Data.Status == 0 {
		return nil, false, fmt.Errorf("read %s: document has no status", key)
	}
	return &Entry{
		Status:   doc.Data.Status,
		URL:      doc.Data.URL,
		Header:   doc.Data.Headers,
		Body:     doc.Data.Body,
		StoredAt: storedAt,
	}, true, nil
}

func (s *MongoStorage) Store(ctx context.Context, namespace string, req *httpmsg.Request, res *httpmsg.Response) error {
	backend, err := s.conn(namespace)
	if err != nil {
		return err
	}
	key := s.keyer.Fingerprint(req)
	doc := &mongoDocument{
		Key: key,
		Data: mongoData{
			Status:  res.Status,
			URL:     res.URL,
			Headers: res.Header,
			Body:    res.Body,
		},
		Time: float64(s.now().UnixNano()) / float64(time.Second),
	}
	if err := backend.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	// the readable copy is written on its own; a failure there is only logged
	if human := s.safeHumanize(res); human != nil {
		if err := backend.SetHuman(ctx, key, human); err != nil {
			s.log.Warn().Err(err).Str("fingerprint", key).Str("url", res.URL).Msg("Could not store readable response")
		}
	}
	return nil
}

// safeHumanize never fails; the readable copy is left out when it cannot be built.
func (s *MongoStorage) safeHumanize(res *httpmsg.Response) (h *humanData) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().Interface("panic", r).Str("url", res.URL).Msg("Could not build readable response")
			h = nil
		}
	}()
	h, err := s.humanize(res)
	if err != nil {
		s.log.Warn().Err(err).Str("url", res.URL).Msg("Could not build readable response")
		return nil
	}
	return h
}

func (s *MongoStorage) Delete(ctx context.Context, namespace string, req *httpmsg.Request) error {
	backend, err := s.conn(namespace)
	if err != nil {
		return err
	}
	return backend.Remove(ctx, s.keyer.Fingerprint(req))
}

func unixSeconds(secs float64) time.Time {
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*float64(time.Second)))
}

// upsertUpdate replaces the authoritative fields of the document and drops the
// readable copy of an earlier write; SetHuman adds the new one afterwards.
func upsertUpdate(doc *mongoDocument) bson.M {
	return bson.M{
		"$set": bson.M{
			"key":  doc.Key,
			"data": doc.Data,
			"time": doc.Time,
		},
		"$unset": bson.M{"data_for_human": ""},
	}
}

func humanUpdate(human *humanData) bson.M {
	return bson.M{"$set": bson.M{"data_for_human": human}}
}

type mongoCollection struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func dialMongo(ctx context.Context, config MongoConfig) (mongoBackend, error) {
	clientOpts, err := config.clientOptions()
	if err != nil {
		return nil, err
	}
	dbOpts, err := config.Database.databaseOptions()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	collOpts, err := config.Collection.collectionOptions()
	if err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	collection := client.
		Database(config.Database.Name, dbOpts).
		Collection(config.Collection.Name, collOpts)
	return &mongoCollection{client: client, collection: collection}, nil
}

func (m *mongoCollection) EnsureKeyIndex(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *mongoCollection) Upsert(ctx context.Context, doc *mongoDocument) error {
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"key": doc.Key},
		upsertUpdate(doc),
		options.Update().SetUpsert(true))
	return err
}

func (m *mongoCollection) SetHuman(ctx context.Context, key string, human *humanData) error {
	_, err := m.collection.UpdateOne(ctx, bson.M{"key": key}, humanUpdate(human))
	return err
}

func (m *mongoCollection) Find(ctx context.Context, key string) (*mongoDocument, bool, error) {
	var doc mongoDocument
	err := m.collection.FindOne(ctx,
		bson.M{"key": key},
		options.FindOne().SetProjection(bson.M{"_id": 0, "key": 1, "data": 1, "time": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &doc, true, nil
}

func (m *mongoCollection) Remove(ctx context.Context, key string) error {
	_, err := m.collection.DeleteOne(ctx, bson.M{"key": key})
	return err
}

func (m *mongoCollection) Disconnect(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
