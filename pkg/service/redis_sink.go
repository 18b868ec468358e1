package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ImagesChannel receives a notification for every published image.
const ImagesChannel = "inkdash:images"

// RedisSink stores the latest image per key and announces it on ImagesChannel.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSink(redisURL string, ttl time.Duration) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping checks connectivity.
func (r *RedisSink) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type imageNotice struct {
	Key    string `json:"key"`
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
	At     int64  `json:"at"`
}

func (r *RedisSink) Publish(ctx context.Context, key string, image []byte, format string) error {
	notice, err := json.Marshal(imageNotice{Key: key, Format: format, Bytes: len(image), At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, image, r.ttl)
	pipe.Set(ctx, key+":format", format, r.ttl)
	pipe.Publish(ctx, ImagesChannel, notice)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
