// Package mongo provides the MongoDB-backed route store. Documents keep the
// layout of the legacy train_routes collection, so an existing database can
// be served without migration.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/JakeFAU/travel-routes/internal/routes"
)

const (
	defaultDatabase   = "travel"
	defaultCollection = "train_routes"
	disconnectTimeout = 5 * time.Second
)

// Config selects the deployment and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// routeDocument is the persisted shape. Waypoints live under "route".
type routeDocument struct {
	ID          bson.ObjectID     `bson:"_id,omitempty"`
	Name        string            `bson:"name"`
	Description string            `bson:"description"`
	Duration    string            `bson:"duration"`
	Frequency   string            `bson:"frequency"`
	Price       string            `bson:"price"`
	Route       []routes.Waypoint `bson:"route"`
	Facilities  []string          `bson:"facilities"`
	Tips        []string          `bson:"tips"`
	LastUpdated time.Time         `bson:"lastUpdated"`
}

// RouteStore implements routes.Store on a Mongo collection.
type RouteStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewRouteStore connects to cfg.URI. The driver connects lazily, so callers
// should Ping or EnsureIndexes before serving traffic.
func NewRouteStore(cfg Config) (*RouteStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("store.mongo.uri is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db := cfg.Database
	if db == "" {
		db = defaultDatabase
	}
	coll := cfg.Collection
	if coll == "" {
		coll = defaultCollection
	}
	return &RouteStore{client: client, coll: client.Database(db).Collection(coll)}, nil
}

// EnsureIndexes creates the unique name index and the text index used by
// search.
func (s *RouteStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("name_unique"),
		},
		{
			Keys:    bson.D{{Key: "name", Value: "text"}, {Key: "description", Value: "text"}},
			Options: options.Index().SetName("name_description_text"),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// Upsert merges record into the document with the same name. Two concurrent
// inserts of a new name can both miss and race on the unique index; the loser
// retries once and lands on the update path.
func (s *RouteStore) Upsert(ctx context.Context, record routes.RouteRecord) (routes.RouteRecord, error) {
	if record.Name == "" {
		return routes.RouteRecord{}, routes.ErrMissingName
	}
	record = record.Normalize()
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc routeDocument
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"name": record.Name}, upsertUpdate(record), opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		err = s.coll.FindOneAndUpdate(ctx, bson.M{"name": record.Name}, upsertUpdate(record), opts).Decode(&doc)
	}
	if err != nil {
		return routes.RouteRecord{}, fmt.Errorf("upsert %q: %w", record.Name, err)
	}
	return fromDocument(doc), nil
}

// Find returns the documents matching filter ordered by name.
func (s *RouteStore) Find(ctx context.Context, filter routes.Filter) ([]routes.RouteRecord, error) {
	cur, err := s.coll.Find(ctx, findFilter(filter), findOptions(filter))
	if err != nil {
		return nil, fmt.Errorf("find routes: %w", err)
	}
	var docs []routeDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	out := make([]routes.RouteRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDocument(doc))
	}
	return out, nil
}

// FindByID looks up a document by its hex ObjectID.
func (s *RouteStore) FindByID(ctx context.Context, id string) (routes.RouteRecord, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return routes.RouteRecord{}, routes.ErrNotFound
	}
	var doc routeDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return routes.RouteRecord{}, routes.ErrNotFound
		}
		return routes.RouteRecord{}, fmt.Errorf("find route %q: %w", id, err)
	}
	return fromDocument(doc), nil
}

// Ping checks connectivity against the primary.
func (s *RouteStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *RouteStore) Close() {
	if s == nil || s.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

// upsertUpdate overwrites the scraped fields and keeps lastUpdated monotonic.
func upsertUpdate(r routes.RouteRecord) bson.M {
	return bson.M{
		"$set": bson.M{
			"name":        r.Name,
			"description": r.Description,
			"duration":    r.Duration,
			"frequency":   r.Frequency,
			"price":       r.Price,
			"route":       r.Waypoints,
			"facilities":  r.Facilities,
			"tips":        r.Tips,
		},
		"$max": bson.M{"lastUpdated": r.LastUpdated},
	}
}

// findFilter translates a Filter. String range operators compare bytewise
// when no collation is set, which gives the lexical bounds the API promises.
func findFilter(f routes.Filter) bson.M {
	filter := bson.M{}
	if search := strings.TrimSpace(f.Search); search != "" {
		filter["$text"] = bson.M{"$search": search}
	}
	price := bson.M{}
	if f.MinPrice != "" {
		price["$gte"] = f.MinPrice
	}
	if f.MaxPrice != "" {
		price["$lte"] = f.MaxPrice
	}
	if len(price) > 0 {
		filter["price"] = price
	}
	if f.MaxDuration != "" {
		filter["duration"] = bson.M{"$lte": f.MaxDuration}
	}
	return filter
}

func findOptions(f routes.Filter) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	return opts
}

func fromDocument(doc routeDocument) routes.RouteRecord {
	rec := routes.RouteRecord{
		Name:        doc.Name,
		Description: doc.Description,
		Duration:    doc.Duration,
		Frequency:   doc.Frequency,
		Price:       doc.Price,
		Waypoints:   doc.Route,
		Facilities:  doc.Facilities,
		Tips:        doc.Tips,
		LastUpdated: doc.LastUpdated.UTC(),
	}
	if !doc.ID.IsZero() {
		rec.ID = doc.ID.Hex()
	}
	return rec.Normalize()
}
