// Package broker fans run results out to observers, either inside the process
// or across processes through Redis pub/sub.
package broker

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// TopicGroups carries one message per finished group.
	TopicGroups = "groups"
	// TopicSummary carries the final summary of a run.
	TopicSummary = "summary"
)

type MessageHandler func(topic string, data []byte)

type Broker interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b Broker, topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return b.Publish(ctx, topic, data)
}
