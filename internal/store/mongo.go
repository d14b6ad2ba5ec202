package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
)

// MongoStore keeps users and messages as documents and answers the
// read-state queries with aggregation pipelines.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	messages *mongo.Collection
}

type userDoc struct {
	ID           string     `bson:"_id"`
	Name         string     `bson:"name"`
	Email        string     `bson:"email"`
	MobileNo     *string    `bson:"mobile_no,omitempty"`
	PasswordHash string     `bson:"password_hash"`
	IsOnline     bool       `bson:"is_online"`
	LastSeen     *time.Time `bson:"last_seen,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func (d *userDoc) model() *models.User {
	u := &models.User{
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		IsOnline:     d.IsOnline,
		LastSeen:     d.LastSeen,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	u.ID, _ = uuid.Parse(d.ID)
	if d.MobileNo != nil {
		u.MobileNo = *d.MobileNo
	}
	return u
}

// NewMongoStore connects to MongoDB and ensures the unique and query indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		users:    db.Collection("users"),
		messages: db.Collection("messages"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "mobile_no", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
	})
	if err != nil {
		return err
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "is_read", Value: 1}}},
	})
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

// Ping checks the server connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// CreateUser creates a new user document.
func (s *MongoStore) CreateUser(ctx context.Context, name, email, mobileNo, passwordHash string) (*models.User, error) {
	defer metrics.ObserveStore("create_user", time.Now())

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := userDoc{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		MobileNo:     nullIfEmpty(mobileNo),
		PasswordHash: passwordHash,
		IsOnline:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return doc.model(), nil
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.D) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.model(), nil
}

// GetUserByEmail retrieves a user by email.
func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.D{{Key: "email", Value: email}})
}

// GetUserByName retrieves a user by display name.
func (s *MongoStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.findUser(ctx, bson.D{{Key: "name", Value: name}})
}

// ListUsers returns all users in registration order.
func (s *MongoStore) ListUsers(ctx context.Context) ([]models.User, error) {
	cur, err := s.users.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(docs))
	for i := range docs {
		users = append(users, *docs[i].model())
	}
	return users, nil
}

// SetOnline updates the durable online flag. lastSeen is left untouched when nil.
func (s *MongoStore) SetOnline(ctx context.Context, name string, online bool, lastSeen *time.Time) error {
	set := bson.D{
		{Key: "is_online", Value: online},
		{Key: "updated_at", Value: time.Now().UTC()},
	}
	if lastSeen != nil {
		set = append(set, bson.E{Key: "last_seen", Value: *lastSeen})
	}
	_, err := s.users.UpdateOne(ctx, bson.D{{Key: "name", Value: name}}, bson.D{{Key: "$set", Value: set}})
	return err
}

// CreateMessage appends a message document. The ULID is the document id.
func (s *MongoStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer metrics.ObserveStore("create_message", time.Now())

	_, err := s.messages.InsertOne(ctx, msg)
	return err
}

func conversationFilter(a, b string) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "sender", Value: a}, {Key: "recipient", Value: b}},
		bson.D{{Key: "sender", Value: b}, {Key: "recipient", Value: a}},
	}}}
}

// GetConversation returns the messages exchanged between a and b, oldest first.
func (s *MongoStore) GetConversation(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	defer metrics.ObserveStore("get_conversation", time.Now())

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.messages.Find(ctx, conversationFilter(a, b), opts)
	if err != nil {
		return nil, err
	}
	var messages []models.Message
	if err := cur.All(ctx, &messages); err != nil {
		return nil, err
	}
	// Fetched newest first; flip to ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	for i := range messages {
		messages[i].CreatedAt = messages[i].CreatedAt.UTC()
	}
	return messages, nil
}

// UnreadCounts groups unread messages addressed to recipient by sender.
func (s *MongoStore) UnreadCounts(ctx context.Context, recipient string) (map[string]int, error) {
	defer metrics.ObserveStore("unread_counts", time.Now())

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "recipient", Value: recipient},
			{Key: "is_read", Value: bson.D{{Key: "$ne", Value: true}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$sender"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Sender string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Sender] = r.Count
	}
	return counts, nil
}

// LastMessages returns the newest message per counterpart of user.
func (s *MongoStore) LastMessages(ctx context.Context, user string) (map[string]models.Preview, error) {
	defer metrics.ObserveStore("last_messages", time.Now())

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "sender", Value: user}},
			bson.D{{Key: "recipient", Value: user}},
		}}}}},
		// ULIDs sort by creation, so _id breaks timestamp ties deterministically.
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$sender", user}}},
				"$recipient",
				"$sender",
			}}}},
			{Key: "body", Value: bson.D{{Key: "$first", Value: "$body"}}},
			{Key: "created_at", Value: bson.D{{Key: "$first", Value: "$created_at"}}},
			{Key: "kind", Value: bson.D{{Key: "$first", Value: "$kind"}}},
		}}},
	}
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Counterpart string    `bson:"_id"`
		Body        string    `bson:"body"`
		CreatedAt   time.Time `bson:"created_at"`
		Kind        string    `bson:"kind"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	previews := make(map[string]models.Preview, len(rows))
	for _, r := range rows {
		previews[r.Counterpart] = models.Preview{
			Message:   r.Body,
			Timestamp: r.CreatedAt.UTC(),
			IsFile:    models.Kind(r.Kind) == models.KindFile,
		}
	}
	return previews, nil
}

// MarkRead transitions unread sender->recipient messages to read.
func (s *MongoStore) MarkRead(ctx context.Context, sender, recipient string, at time.Time) (int64, error) {
	defer metrics.ObserveStore("mark_read", time.Now())

	res, err := s.messages.UpdateMany(ctx,
		bson.D{
			{Key: "sender", Value: sender},
			{Key: "recipient", Value: recipient},
			{Key: "is_read", Value: bson.D{{Key: "$ne", Value: true}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "is_read", Value: true},
			{Key: "read_at", Value: at},
		}}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
