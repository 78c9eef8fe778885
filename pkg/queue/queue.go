/*
Copyright 2025 The OpenStack CI Runner Manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue is a small durable message queue on top of a MongoDB
// collection. Messages are claimed with an atomic find-and-update, so any
// number of consumers can share one queue; a claimed message stays invisible
// until it is acked (deleted), rejected (requeued or dropped) or its claim
// expires. A consumer that dies mid-message only delays redelivery.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

const (
	databaseName = "runner-manager"

	connectTimeout = 10 * time.Second
	// pollInterval is how often a blocked Get re-checks for messages.
	pollInterval = 500 * time.Millisecond
	// claimTimeout is how long a claim may sit un-acked before Get hands the
	// message to another consumer. The backstop for consumers that crashed
	// or were killed mid-message.
	claimTimeout = 10 * time.Minute
)

// Message is one claimed queue message. ID is only meaningful to the queue
// that produced it.
type Message struct {
	ID      primitive.ObjectID
	Payload string
	Headers map[string]string
}

// ProcessCount reads the retry counter header; a missing or malformed header
// counts as zero.
func (m Message) ProcessCount() int {
	count, err := strconv.Atoi(m.Headers[params.ProcessCountHeader])
	if err != nil || count < 0 {
		return 0
	}
	return count
}

type document struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Payload   string             `bson:"payload"`
	Headers   map[string]string  `bson:"headers,omitempty"`
	Available bool               `bson:"available"`
	CreatedAt time.Time          `bson:"created_at"`
	ClaimedAt time.Time          `bson:"claimed_at,omitempty"`
}

// Queue is one named queue backed by a MongoDB collection.
type Queue struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials MongoDB and binds to the named queue's collection.
func Connect(ctx context.Context, uri, queueName string) (*Queue, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &rmerrors.QueueError{Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &rmerrors.QueueError{Op: "ping", Err: err}
	}
	return &Queue{
		client: client,
		coll:   client.Database(databaseName).Collection(queueName),
	}, nil
}

// Close tears down the MongoDB connection.
func (q *Queue) Close(ctx context.Context) error {
	if err := q.client.Disconnect(ctx); err != nil {
		return &rmerrors.QueueError{Op: "disconnect", Err: err}
	}
	return nil
}

// Put appends a message to the queue.
func (q *Queue) Put(ctx context.Context, payload string, headers map[string]string) error {
	_, err := q.coll.InsertOne(ctx, document{
		Payload:   payload,
		Headers:   headers,
		Available: true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return &rmerrors.QueueError{Op: "put", Err: err}
	}
	return nil
}

// claimFilter matches available messages plus claims older than claimTimeout,
// so a message claimed by a dead consumer is redelivered instead of lost.
func claimFilter(now time.Time) bson.M {
	return bson.M{"$or": []bson.M{
		{"available": true},
		{"available": false, "claimed_at": bson.M{"$lt": now.Add(-claimTimeout)}},
	}}
}

func claimUpdate(now time.Time) bson.M {
	return bson.M{"$set": bson.M{"available": false, "claimed_at": now}}
}

// Get blocks until a message can be claimed or the context ends. The oldest
// claimable message wins; claiming flips its availability and stamps the
// claim time atomically so no two consumers get the same message.
func (q *Queue) Get(ctx context.Context) (Message, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	for {
		now := time.Now().UTC()
		var doc document
		err := q.coll.FindOneAndUpdate(ctx,
			claimFilter(now),
			claimUpdate(now),
			opts,
		).Decode(&doc)
		if err == nil {
			return Message{ID: doc.ID, Payload: doc.Payload, Headers: doc.Headers}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return Message{}, &rmerrors.QueueError{Op: "get", Err: err}
		}

		select {
		case <-ctx.Done():
			return Message{}, &rmerrors.QueueError{Op: "get", Err: ctx.Err()}
		case <-time.After(pollInterval):
		}
	}
}

// Ack removes a claimed message for good.
func (q *Queue) Ack(ctx context.Context, msg Message) error {
	if _, err := q.coll.DeleteOne(ctx, bson.M{"_id": msg.ID}); err != nil {
		return &rmerrors.QueueError{Op: "ack", Err: err}
	}
	return nil
}

// Reject gives a claimed message back. With requeue the message becomes
// available again with its retry counter bumped; without it the message is
// dropped like an Ack.
func (q *Queue) Reject(ctx context.Context, msg Message, requeue bool) error {
	if !requeue {
		if _, err := q.coll.DeleteOne(ctx, bson.M{"_id": msg.ID}); err != nil {
			return &rmerrors.QueueError{Op: "reject", Err: err}
		}
		return nil
	}

	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headers[params.ProcessCountHeader] = strconv.Itoa(msg.ProcessCount() + 1)

	_, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": msg.ID},
		bson.M{
			"$set":   bson.M{"available": true, "headers": headers},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		return &rmerrors.QueueError{Op: "reject", Err: err}
	}
	return nil
}
