package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/communityfund/ngo-portal/internal/rbac"
)

// Collections used by MongoStore.
const (
	MongoCollection      = "identities"
	MongoLocksCollection = "identity_locks"

	roleChangeLockID = "role_change"
)

type identityDocument struct {
	ExternalID   string    `bson:"_id"`
	DisplayName  string    `bson:"display_name"`
	Email        string    `bson:"email"`
	Role         string    `bson:"role,omitempty"`
	Permissions  []string  `bson:"permissions"`
	Verified     bool      `bson:"verified"`
	CreatedAt    time.Time `bson:"created_at"`
	LastAccessAt time.Time `bson:"last_access_at"`
}

func (d identityDocument) record() Record {
	return Record{
		ExternalID:   d.ExternalID,
		DisplayName:  d.DisplayName,
		Email:        d.Email,
		Role:         rbac.Role(d.Role),
		Permissions:  permissionsFromStrings(d.Permissions),
		Verified:     d.Verified,
		CreatedAt:    d.CreatedAt,
		LastAccessAt: d.LastAccessAt,
	}.Normalize()
}

// MongoStore implements Store on a MongoDB collection. The external id is
// the document _id, which makes find-or-create a single upsert.
type MongoStore struct {
	collection *mongo.Collection
	locks      *mongo.Collection
}

// NewMongoStore constructs a store over db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(MongoCollection), locks: db.Collection(MongoLocksCollection)}
}

// FindOrCreate upserts the identity document.
func (s *MongoStore) FindOrCreate(ctx context.Context, p Principal, now time.Time) (Record, error) {
	if p.ExternalID == "" {
		return Record{}, ErrMissingExternalID
	}
	now = now.UTC()
	set := bson.M{"last_access_at": now}
	onInsert := bson.M{
		"display_name": p.DisplayName,
		"email":        p.Email,
		"role":         string(rbac.DefaultRole),
		"permissions":  []string{},
		"created_at":   now,
	}
	if p.Verified {
		set["verified"] = true
	} else {
		onInsert["verified"] = false
	}
	update := bson.M{"$set": set, "$setOnInsert": onInsert}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc identityDocument
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": p.ExternalID}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent first sign-in inserted the document; the retry matches it.
		err = s.collection.FindOneAndUpdate(ctx, bson.M{"_id": p.ExternalID}, update, opts).Decode(&doc)
	}
	if err != nil {
		return Record{}, fmt.Errorf("identity: mongo find or create: %w", err)
	}
	return doc.record(), nil
}

// Get fetches a record by external id.
func (s *MongoStore) Get(ctx context.Context, externalID string) (Record, error) {
	var doc identityDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": externalID}).Decode(&doc)
	if err != nil {
		return Record{}, mongoErr(err)
	}
	return doc.record(), nil
}

// SetRole replaces the role of an existing record inside a transaction.
// Every role change also writes the lock document, so concurrent changes
// conflict and the driver retries the loser against the committed state.
// Transactions need a replica set or sharded cluster.
func (s *MongoStore) SetRole(ctx context.Context, externalID string, role rbac.Role, check RoleCheck) (Record, error) {
	session, err := s.collection.Database().Client().StartSession()
	if err != nil {
		return Record{}, fmt.Errorf("identity: mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	res, err := session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		lockOpts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
		if err := s.locks.FindOneAndUpdate(ctx, bson.M{"_id": roleChangeLockID}, bson.M{"$inc": bson.M{"seq": 1}}, lockOpts).Err(); err != nil {
			return nil, fmt.Errorf("identity: mongo role lock: %w", err)
		}
		var doc identityDocument
		if err := s.collection.FindOne(ctx, bson.M{"_id": externalID}).Decode(&doc); err != nil {
			return nil, mongoErr(err)
		}
		if check != nil {
			admins, err := s.collection.CountDocuments(ctx, bson.M{"role": string(rbac.RoleAdmin)})
			if err != nil {
				return nil, fmt.Errorf("identity: mongo count admins: %w", err)
			}
			if err := check(doc.record(), int(admins)); err != nil {
				return nil, err
			}
		}
		return s.update(ctx, externalID, bson.M{"$set": bson.M{"role": string(role)}})
	})
	if err != nil {
		return Record{}, err
	}
	return res.(Record), nil
}

// AddPermissions unions perms into the overrides.
func (s *MongoStore) AddPermissions(ctx context.Context, externalID string, perms []rbac.Permission) (Record, error) {
	return s.update(ctx, externalID, bson.M{"$addToSet": bson.M{"permissions": bson.M{"$each": permissionStrings(perms)}}})
}

// List returns a page of records ordered by registration time.
func (s *MongoStore) List(ctx context.Context, offset, limit int) ([]Record, int, error) {
	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, fmt.Errorf("identity: mongo count: %w", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("identity: mongo list: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []identityDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, err
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.record())
	}
	return records, int(total), nil
}

func (s *MongoStore) update(ctx context.Context, externalID string, update bson.M) (Record, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc identityDocument
	if err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": externalID}, update, opts).Decode(&doc); err != nil {
		return Record{}, mongoErr(err)
	}
	return doc.record(), nil
}

func mongoErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// ConnectMongo opens a client and returns the named database.
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("identity: mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("identity: mongo ping: %w", err)
	}
	return client, client.Database(database), nil
}

var _ Store = (*MongoStore)(nil)
