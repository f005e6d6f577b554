// Package broker implements the ordered pub/sub contract the pool
// synchronizer runs over (spec §4.3): a single named queue, exactly one
// competing-consumer group per KME, at-least-once delivery with manual
// acknowledgment, and FIFO-per-publisher ordering.
//
// Plain Redis pub/sub gives none of that (no replay, no ack, no ordering
// guarantee across a restart), so this is grounded on Redis Streams
// (XADD/XREADGROUP/XACK), which is the one primitive in the corpus's Redis
// client that actually provides a durable, acknowledged, ordered queue.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"kme/pkg/errors"
	"kme/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// MessageType tags a bus envelope (spec §4.3, §6).
type MessageType string

const (
	MessageNewKey        MessageType = "new_key"
	MessageActivatedKey  MessageType = "activated_key"
	MessageDeactivatedKey MessageType = "deactivated_key"
)

// Message is the JSON envelope carried on the stream.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler processes one delivered message. Returning an error negatively
// acknowledges it so the bus redelivers (spec §4.4).
type Handler func(ctx context.Context, msg Message) error

const consumerName = "kme"

// Client is the broker client for one shared queue.
type Client struct {
	rdb    *redis.Client
	stream string
	group  string
	log    logger.Logger
}

// New connects to addr and ensures the consumer group exists on stream,
// creating both the stream and group if absent.
func New(ctx context.Context, addr, password, stream, group string, log logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(errors.KindTransient, "connecting to bus", err)
	}

	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, errors.Wrap(errors.KindTransient, "creating consumer group", err)
	}

	return &Client{rdb: rdb, stream: stream, group: group, log: log}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Publish appends msg to the stream. Redis Streams preserve FIFO order per
// XADD caller, satisfying the per-publisher ordering guarantee (spec §4.4).
func (c *Client) Publish(ctx context.Context, msgType MessageType, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(errors.KindFatal, "marshaling bus message", err)
	}

	_, err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{
			"type": string(msgType),
			"data": raw,
		},
	}).Result()
	if err != nil {
		return errors.Wrap(errors.KindTransient, "publishing to bus", err)
	}
	return nil
}

// OnMessage blocks, delivering messages to handler until ctx is canceled.
// Each message is XACKed only after handler returns nil; on error it is
// left pending so the bus redelivers on the next read (manual nack, spec
// §4.4).
func (c *Client) OnMessage(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: consumerName,
			Streams:  []string{c.stream, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.log.Warn("bus read failed", map[string]interface{}{"error": err.Error()})
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				msg, ok := decodeEntry(entry.Values)
				if !ok {
					c.rdb.XAck(ctx, c.stream, c.group, entry.ID)
					continue
				}
				if err := handler(ctx, msg); err != nil {
					c.log.Warn("bus handler failed, leaving unacked", map[string]interface{}{
						"message_type": string(msg.Type),
						"error":        err.Error(),
					})
					continue
				}
				c.rdb.XAck(ctx, c.stream, c.group, entry.ID)
			}
		}
	}
}

func decodeEntry(values map[string]interface{}) (Message, bool) {
	typeVal, ok := values["type"].(string)
	if !ok {
		return Message{}, false
	}
	dataVal, ok := values["data"].(string)
	if !ok {
		return Message{}, false
	}
	return Message{Type: MessageType(typeVal), Data: json.RawMessage(dataVal)}, true
}

// HasConsumers reports whether any consumer is attached to the group — the
// master's liveness probe for the slave (spec §4.4). The master itself never
// reads from the group, so it does not count as a consumer.
func (c *Client) HasConsumers(ctx context.Context) (bool, error) {
	consumers, err := c.rdb.XInfoConsumers(ctx, c.stream, c.group).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, errors.Wrap(errors.KindTransient, "probing consumer presence", err)
	}
	return len(consumers) > 0, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
