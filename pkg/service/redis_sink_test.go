package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisSink_BadURL(t *testing.T) {
	_, err := NewRedisSink("http://not-redis", time.Minute)
	assert.Error(t, err)
}

func TestRedisSink_PublishUnreachable(t *testing.T) {
	sink, err := NewRedisSink("redis://127.0.0.1:1/0", time.Minute)
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = sink.Publish(ctx, "display:kitchen", []byte("img"), "png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "display:kitchen")
}
