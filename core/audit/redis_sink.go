package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	auditLogKey     = "valora:audit:log"
	auditMaxEntries = 10000
)

// RedisSink appends audit events to a capped Redis list so operators can
// review recent decisions without a log aggregator.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects to Redis at the given URL.
func NewRedisSink(url string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisSink{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Record appends the event and trims the list to the newest entries.
func (s *RedisSink) Record(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, auditLogKey, data)
	pipe.LTrim(ctx, auditLogKey, -auditMaxEntries, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest audit events, oldest first.
func (s *RedisSink) Recent(ctx context.Context, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, auditLogKey, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var evt Event
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}
