package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig содержит настройки подключения к MongoDB.
type MongoConfig struct {
	URI        string `yaml:"uri" toml:"uri" json:"uri"`               // например mongodb://localhost:27017
	Database   string `yaml:"database" toml:"database" json:"database"` // например voxel
	Collection string `yaml:"collection" toml:"collection" json:"collection"`
}

// Mongo реализует KV поверх коллекции MongoDB. Ключ хранится в _id
// в hex-виде, поэтому префиксный обход сводится к диапазону строк.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

type mongoDoc struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"v"`
}

// OpenMongo подключается к MongoDB и проверяет соединение.
func OpenMongo(cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "voxel"
	}
	if cfg.Collection == "" {
		cfg.Collection = "world_kv"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MongoDB: %w", err)
	}
	// ping
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB не отвечает: %w", err)
	}

	return &Mongo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}, nil
}

// Get реализует KV.
func (m *Mongo) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	var doc mongoDoc
	err := m.collection.FindOne(ctx, bson.M{"_id": hex.EncodeToString(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из MongoDB: %w", err)
	}
	return doc.Value, nil
}

// Put реализует KV.
func (m *Mongo) Put(ctx context.Context, key, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	id := hex.EncodeToString(key)
	_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": id}, mongoDoc{ID: id, Value: value}, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ошибка сохранения в MongoDB: %w", err)
	}
	return nil
}

// Delete реализует KV.
func (m *Mongo) Delete(ctx context.Context, key []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": hex.EncodeToString(key)}); err != nil {
		return fmt.Errorf("ошибка удаления из MongoDB: %w", err)
	}
	return nil
}

// Scan реализует KV.
func (m *Mongo) Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error {
	p := hex.EncodeToString(prefix)
	// Все hex-ключи с префиксом p лежат в [p, p+"g"), так как 'g' больше любой hex-цифры.
	filter := bson.M{"_id": bson.M{"$gte": p, "$lt": p + "g"}}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})

	cur, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("ошибка обхода MongoDB: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		key, err := hex.DecodeString(doc.ID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBadKey, doc.ID)
		}
		if !fn(key) {
			return nil
		}
	}
	return cur.Err()
}

// Close отключается от сервера.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
