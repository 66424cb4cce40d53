package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"classattend/internal/model"
	"classattend/internal/store"
)

// Repository keeps users and classrooms as documents and sessions in
// their own collection indexed by classroom and creation time.
type Repository struct {
	client     *mongo.Client
	users      *mongo.Collection
	classrooms *mongo.Collection
	sessions   *mongo.Collection
}

var _ store.Store = (*Repository)(nil)

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	r := &Repository{
		client:     client,
		users:      db.Collection("users"),
		classrooms: db.Collection("classrooms"),
		sessions:   db.Collection("attendance_sessions"),
	}
	if err := r.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return r, nil
}

func (r *Repository) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	if _, err := r.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "externalId", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique},
	}); err != nil {
		return fmt.Errorf("user indexes: %w", err)
	}
	if _, err := r.classrooms.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "publicId", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "active", Value: 1}, {Key: "createdAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("classroom indexes: %w", err)
	}
	if _, err := r.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "classroomId", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("session indexes: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error { return r.client.Ping(ctx, nil) }

func (r *Repository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func (r *Repository) SyncUser(ctx context.Context, u *model.User) (*model.User, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"email":       u.Email,
			"name":        u.Name,
			"imageUrl":    u.ImageURL,
			"lastLoginAt": now,
			"updatedAt":   now,
		},
		"$setOnInsert": bson.M{
			"_id":         u.ID,
			"role":        u.Role,
			"institution": u.Institution,
			"active":      u.Active,
			"createdAt":   now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out model.User
	err := r.users.FindOneAndUpdate(ctx, bson.M{"externalId": u.ExternalID}, update, opts).Decode(&out)
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*model.User, error) {
	var out model.User
	if err := r.users.FindOne(ctx, bson.M{"_id": id}).Decode(&out); err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (r *Repository) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	var out model.User
	if err := r.users.FindOne(ctx, bson.M{"externalId": externalID}).Decode(&out); err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (r *Repository) UpdateUser(ctx context.Context, u *model.User) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := r.users.UpdateOne(ctx, bson.M{"externalId": u.ExternalID}, bson.M{"$set": bson.M{
		"email":       u.Email,
		"name":        u.Name,
		"imageUrl":    u.ImageURL,
		"role":        u.Role,
		"institution": u.Institution,
		"active":      u.Active,
		"updatedAt":   u.UpdatedAt,
	}})
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) CreateClassroom(ctx context.Context, c *model.Classroom) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.Normalize()
	now := time.Now().UTC()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	if _, err := r.classrooms.InsertOne(ctx, c); err != nil {
		return translate(err)
	}
	return nil
}

func (r *Repository) ListClassrooms(ctx context.Context, ownerID string) ([]model.Classroom, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := r.classrooms.Find(ctx, bson.M{"ownerId": ownerID, "active": true}, opts)
	if err != nil {
		return nil, err
	}
	out := []model.Classroom{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetClassroom(ctx context.Context, ownerID, publicID string) (*model.Classroom, error) {
	var out model.Classroom
	err := r.classrooms.FindOne(ctx, activeFilter(ownerID, publicID)).Decode(&out)
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (r *Repository) UpdateClassroom(ctx context.Context, c *model.Classroom) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.Normalize()
	filter := activeFilter(c.OwnerID, c.PublicID)
	filter["version"] = c.Version

	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"name":               c.Name,
			"subject":            c.Subject,
			"academicYear":       c.AcademicYear,
			"description":        c.Description,
			"groupPhotoUploaded": c.GroupPhotoUploaded,
			"facesDetected":      c.FacesDetected,
			"datasetReady":       c.DatasetReady,
			"modelTrained":       c.ModelTrained,
			"trainedAt":          c.TrainedAt,
			"students":           c.Students,
			"tempFaces":          c.TempFaces,
			"updatedAt":          now,
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var out model.Classroom
	err := r.classrooms.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := r.GetClassroom(ctx, c.OwnerID, c.PublicID); getErr != nil {
			return getErr
		}
		return store.ErrConflict
	}
	if err != nil {
		return err
	}
	*c = out
	return nil
}

func (r *Repository) DeactivateClassroom(ctx context.Context, ownerID, publicID string) error {
	res, err := r.classrooms.UpdateOne(ctx, activeFilter(ownerID, publicID), bson.M{
		"$set": bson.M{"active": false, "updatedAt": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendSession inserts the session, then bumps the classroom counter.
// The two writes are not transactional; the counter only feeds the
// derived workflow state.
func (r *Repository) AppendSession(ctx context.Context, s *model.AttendanceSession) error {
	s.Normalize()
	if _, err := r.sessions.InsertOne(ctx, s); err != nil {
		return translate(err)
	}
	res, err := r.classrooms.UpdateByID(ctx, s.ClassroomID, bson.M{"$inc": bson.M{"sessionCount": 1}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) ListSessions(ctx context.Context, classroomID string) ([]model.AttendanceSession, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := r.sessions.Find(ctx, bson.M{"classroomId": classroomID}, opts)
	if err != nil {
		return nil, err
	}
	out := []model.AttendanceSession{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func activeFilter(ownerID, publicID string) bson.M {
	return bson.M{"publicId": publicID, "ownerId": ownerID, "active": true}
}

func translate(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	default:
		return err
	}
}
