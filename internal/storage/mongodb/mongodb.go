package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jwtauth/internal/domain/models"
	"jwtauth/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	counters *mongo.Collection
	tokens   *mongo.Collection
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Email     string    `bson:"email"`
	Name      string    `bson:"name"`
	PassHash  []byte    `bson:"pass_hash"`
	CreatedAt time.Time `bson:"created_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

// authTokenDoc carries both class identifiers twice: in their own
// fields for lookups, and in the jtis array backing the shared unique
// index. Revocation unsets jtis so the identifiers leave the namespace
// together with the record.
type authTokenDoc struct {
	ID                  int64      `bson:"_id"`
	UserID              string     `bson:"user_id"`
	Roles               []string   `bson:"roles"`
	Permissions         []string   `bson:"permissions"`
	JTIs                []string   `bson:"jtis,omitempty"`
	AccessTokenID       string     `bson:"at_jti"`
	AccessTokenExp      *int64     `bson:"at_exp,omitempty"`
	AccessTokenRevoked  bool       `bson:"at_revoked"`
	RefreshTokenID      string     `bson:"rt_jti"`
	RefreshTokenExp     *int64     `bson:"rt_exp,omitempty"`
	RefreshTokenRevoked bool       `bson:"rt_revoked"`
	IP                  *string    `bson:"ip,omitempty"`
	IPDetails           *string    `bson:"ip_details,omitempty"`
	UserAgent           *string    `bson:"user_agent,omitempty"`
	DeletedAt           *time.Time `bson:"deleted_at,omitempty"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		counters: db.Collection("counters"),
		tokens:   db.Collection("auth_tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// users.email unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	// auth_tokens.jtis unique across documents: the multikey index
	// spans both class identifiers, so a collision on either side of
	// either column rejects the insert. Sparse, because revoked
	// documents have the field unset.
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "jtis", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	if err != nil {
		return fmt.Errorf("auth_tokens.jtis index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("auth_tokens.user_id index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		PassHash:  user.PassHash,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.UserByEmail"
	return s.findUser(ctx, op, bson.D{{Key: "email", Value: email}})
}

func (s *Storage) UserByID(ctx context.Context, id string) (*models.User, error) {
	const op = "storage.mongodb.UserByID"
	return s.findUser(ctx, op, bson.D{{Key: "_id", Value: id}})
}

func (s *Storage) findUser(ctx context.Context, op string, filter bson.D) (*models.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &models.User{
		ID:       doc.ID,
		Email:    doc.Email,
		Name:     doc.Name,
		PassHash: doc.PassHash,
	}, nil
}

func (s *Storage) SaveAuthToken(ctx context.Context, token *models.AuthToken) (*models.AuthToken, error) {
	const op = "storage.mongodb.SaveAuthToken"

	id, err := s.nextID(ctx, "auth_tokens")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	doc := authTokenDoc{
		ID:              id,
		UserID:          token.UserID,
		Roles:           stringSet(token.Roles),
		Permissions:     stringSet(token.Permissions),
		JTIs:            []string{token.AccessTokenID, token.RefreshTokenID},
		AccessTokenID:   token.AccessTokenID,
		AccessTokenExp:  token.AccessTokenExp,
		RefreshTokenID:  token.RefreshTokenID,
		RefreshTokenExp: token.RefreshTokenExp,
		IP:              token.IP,
		IPDetails:       token.IPDetails,
		UserAgent:       token.UserAgent,
	}
	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenIDConflict)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	saved := *token
	saved.ID = id
	return &saved, nil
}

func (s *Storage) AuthTokenByAccessID(ctx context.Context, jti string) (*models.AuthToken, error) {
	const op = "storage.mongodb.AuthTokenByAccessID"
	return s.findAuthToken(ctx, op, activeFilter(bson.D{
		{Key: "at_jti", Value: jti},
		{Key: "at_revoked", Value: false},
	}))
}

func (s *Storage) AuthTokenByAccessIDForUser(ctx context.Context, jti, userID string) (*models.AuthToken, error) {
	const op = "storage.mongodb.AuthTokenByAccessIDForUser"
	return s.findAuthToken(ctx, op, activeFilter(bson.D{
		{Key: "at_jti", Value: jti},
		{Key: "user_id", Value: userID},
		{Key: "at_revoked", Value: false},
	}))
}

func (s *Storage) AuthTokenByRefreshID(ctx context.Context, jti string) (*models.AuthToken, error) {
	const op = "storage.mongodb.AuthTokenByRefreshID"
	return s.findAuthToken(ctx, op, activeFilter(bson.D{
		{Key: "rt_jti", Value: jti},
		{Key: "rt_revoked", Value: false},
	}))
}

func (s *Storage) AuthTokenByRefreshIDForUser(ctx context.Context, jti, userID string) (*models.AuthToken, error) {
	const op = "storage.mongodb.AuthTokenByRefreshIDForUser"
	return s.findAuthToken(ctx, op, activeFilter(bson.D{
		{Key: "rt_jti", Value: jti},
		{Key: "user_id", Value: userID},
		{Key: "rt_revoked", Value: false},
	}))
}

func (s *Storage) DeleteAuthToken(ctx context.Context, id int64) error {
	const op = "storage.mongodb.DeleteAuthToken"

	result, err := s.tokens.UpdateOne(ctx,
		activeFilter(bson.D{{Key: "_id", Value: id}}),
		softDeleteUpdate(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAuthTokenNotFound)
	}
	return nil
}

func (s *Storage) DeleteUserAuthTokens(ctx context.Context, userID string, exceptID *int64) error {
	const op = "storage.mongodb.DeleteUserAuthTokens"

	filter := bson.D{{Key: "user_id", Value: userID}}
	if exceptID != nil {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$ne", Value: *exceptID}}})
	}

	if _, err := s.tokens.UpdateMany(ctx, activeFilter(filter), softDeleteUpdate()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) findAuthToken(ctx context.Context, op string, filter bson.D) (*models.AuthToken, error) {
	var doc authTokenDoc
	if err := s.tokens.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAuthTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.AuthToken{
		ID:                  doc.ID,
		UserID:              doc.UserID,
		Roles:               doc.Roles,
		Permissions:         doc.Permissions,
		AccessTokenID:       doc.AccessTokenID,
		AccessTokenExp:      doc.AccessTokenExp,
		AccessTokenRevoked:  doc.AccessTokenRevoked,
		RefreshTokenID:      doc.RefreshTokenID,
		RefreshTokenExp:     doc.RefreshTokenExp,
		RefreshTokenRevoked: doc.RefreshTokenRevoked,
		IP:                  doc.IP,
		IPDetails:           doc.IPDetails,
		UserAgent:           doc.UserAgent,
		DeletedAt:           doc.DeletedAt,
	}, nil
}

func activeFilter(filter bson.D) bson.D {
	return append(filter, bson.E{Key: "deleted_at", Value: bson.D{{Key: "$exists", Value: false}}})
}

func softDeleteUpdate() bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{{Key: "deleted_at", Value: time.Now().UTC()}}},
		{Key: "$unset", Value: bson.D{{Key: "jtis", Value: ""}}},
	}
}

func stringSet(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
