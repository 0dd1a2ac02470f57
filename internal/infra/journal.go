package infra

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const journalCollection = "gateway_exchanges"

// GatewayExchange is one request/response (or callback) seen on a gateway.
type GatewayExchange struct {
	SettlementID string    `bson:"settlement_id"`
	Gateway      string    `bson:"gateway"`
	Operation    string    `bson:"operation"` // initiate | status | callback | cancel
	Handle       string    `bson:"handle,omitempty"`
	Outcome      string    `bson:"outcome"`
	Error        string    `bson:"error,omitempty"`
	Raw          string    `bson:"raw,omitempty"`
	At           time.Time `bson:"at"`
}

// GatewayJournal keeps the raw gateway traffic for dispute handling.
type GatewayJournal interface {
	Record(ctx context.Context, e GatewayExchange) error
}

type MongoJournal struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoJournal(ctx context.Context, uri, database string) (*MongoJournal, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetMaxPoolSize(20))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	coll := client.Database(database).Collection(journalCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "settlement_id", Value: 1}, {Key: "at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: create index: %w", err)
	}
	return &MongoJournal{client: client, coll: coll}, nil
}

func (j *MongoJournal) Record(ctx context.Context, e GatewayExchange) error {
	if _, err := j.coll.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("mongo: record exchange: %w", err)
	}
	return nil
}

// Exchanges returns the journal of one settlement in arrival order.
func (j *MongoJournal) Exchanges(ctx context.Context, settlementID string) ([]GatewayExchange, error) {
	cur, err := j.coll.Find(ctx, bson.M{"settlement_id": settlementID},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: find exchanges: %w", err)
	}
	var out []GatewayExchange
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo: decode exchanges: %w", err)
	}
	return out, nil
}

func (j *MongoJournal) Close(ctx context.Context) error { return j.client.Disconnect(ctx) }

type NoopJournal struct{}

func (NoopJournal) Record(context.Context, GatewayExchange) error { return nil }
