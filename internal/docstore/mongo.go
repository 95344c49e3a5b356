package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// MongoUpdater implements Updater on MongoDB. Clients are opened lazily and cached
// per target URI, since jobs in flight may point at different deployments.
type MongoUpdater struct {
	connectTimeout time.Duration
	logger         *slog.Logger

	// connect dials and pings one deployment. It runs without mu held.
	connect func(ctx context.Context, uri string) (*mongo.Client, error)

	mu      sync.Mutex
	clients map[string]*mongo.Client
	closed  bool
}

// Option configures the MongoUpdater.
type Option func(*MongoUpdater)

// WithLogger sets the logger for the updater.
func WithLogger(logger *slog.Logger) Option {
	return func(u *MongoUpdater) {
		u.logger = logger
	}
}

// WithConnectTimeout bounds the initial ping of each new client.
func WithConnectTimeout(d time.Duration) Option {
	return func(u *MongoUpdater) {
		u.connectTimeout = d
	}
}

// NewMongoUpdater creates a MongoUpdater.
func NewMongoUpdater(opts ...Option) *MongoUpdater {
	u := &MongoUpdater{
		connectTimeout: 10 * time.Second,
		logger:         slog.Default(),
		clients:        make(map[string]*mongo.Client),
	}
	u.connect = u.dial
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *MongoUpdater) Apply(ctx context.Context, target models.TargetStoreRef, recordID, jobID string, outcome Outcome) (Ack, error) {
	if err := target.Validate(); err != nil {
		return Ack{}, err
	}
	target = target.WithDefaults()

	client, err := u.client(ctx, target.URI)
	if err != nil {
		return Ack{}, err
	}
	col := client.Database(target.Database).Collection(target.Collection)
	id := recordKey(recordID)

	filter, update := buildUpdate(target, id, jobID, outcome, now())

	res, err := col.UpdateOne(ctx, filter, update)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: update record %s: %w", ErrUnavailable, recordID, err)
	}
	if res.MatchedCount > 0 {
		return Ack{Applied: true}, nil
	}

	// The guard rejected the write or the record is missing; tell them apart.
	n, err := col.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return Ack{}, fmt.Errorf("%w: lookup record %s: %w", ErrUnavailable, recordID, err)
	}
	if n == 0 {
		return Ack{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	return Ack{Applied: false}, nil
}

// buildUpdate returns the filter and update document for one outcome. Success pushes
// a response element tagged with the job id and is skipped when such an element
// exists. Failure never overwrites a completed record.
func buildUpdate(target models.TargetStoreRef, id any, jobID string, outcome Outcome, at time.Time) (bson.M, bson.M) {
	if outcome.Succeeded {
		filter := bson.M{
			"_id": id,
			target.ResponsesField + "." + target.JobField: bson.M{"$ne": jobID},
		}
		update := bson.M{
			"$push": bson.M{
				target.ResponsesField: bson.D{
					{Key: target.ResponseContentField, Value: outcome.Content},
					{Key: target.TimestampField, Value: at},
					{Key: target.JobField, Value: jobID},
				},
			},
			"$set": bson.M{target.StatusField: target.CompletedValue},
		}
		return filter, update
	}

	filter := bson.M{
		"_id":              id,
		target.StatusField: bson.M{"$ne": target.CompletedValue},
	}
	update := bson.M{
		"$set": bson.M{target.StatusField: target.FailedValue},
	}
	return filter, update
}

// Close disconnects every cached client.
func (u *MongoUpdater) Close(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	var errs []error
	for uri, c := range u.clients {
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(u.clients, uri)
	}
	return errors.Join(errs...)
}

// client returns the cached client for uri, connecting on first use. A slow or
// unreachable deployment only blocks the callers that target it.
func (u *MongoUpdater) client(ctx context.Context, uri string) (*mongo.Client, error) {
	u.mu.Lock()
	c, ok := u.clients[uri]
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: updater closed", ErrUnavailable)
	}
	if ok {
		return c, nil
	}

	c, err := u.connect(ctx, uri)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: updater closed", ErrUnavailable)
	}
	if existing, ok := u.clients[uri]; ok {
		// Another caller connected to the same deployment first.
		_ = c.Disconnect(context.Background())
		return existing, nil
	}
	u.logger.Info("docstore.connected", "hosts", redactedHosts(uri))
	u.clients[uri] = c
	return c, nil
}

func (u *MongoUpdater) dial(ctx context.Context, uri string) (*mongo.Client, error) {
	c, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, u.connectTimeout)
	defer cancel()
	if err := c.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}
	return c, nil
}

// recordKey converts 24-hex ids to ObjectIDs so they match documents keyed that way.
func recordKey(recordID string) any {
	if oid, err := bson.ObjectIDFromHex(recordID); err == nil {
		return oid
	}
	return recordID
}

// redactedHosts strips credentials from a connection string for logging.
func redactedHosts(uri string) []string {
	return options.Client().ApplyURI(uri).Hosts
}

func now() time.Time {
	return time.Now().UTC()
}

var _ Updater = (*MongoUpdater)(nil)
