package redis

import (
	"context"
	"testing"
	"time"

	"github.com/SkynetNext/pbufpool/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(&config.RedisConfig{
		Addr:        "127.0.0.1:1",
		KeyPrefix:   "test:",
		PoolSize:    1,
		DialTimeout: 50 * time.Millisecond,
	})
}

func TestKeys(t *testing.T) {
	c := newTestClient()
	defer c.Close()

	assert.Equal(t, "test:owner:exit", c.OwnerExitChannel())
	assert.Equal(t, "test:owners:rx", c.OwnershipKey("rx"))
}

func TestDecodeOwnerExit(t *testing.T) {
	ev, err := DecodeOwnerExit(`{"pool":"rx","owner":42,"reason":"crash"}`)
	require.NoError(t, err)
	assert.Equal(t, OwnerExit{Pool: "rx", Owner: 42, Reason: "crash"}, ev)

	ev, err = DecodeOwnerExit(`{"owner":7}`)
	require.NoError(t, err)
	assert.Empty(t, ev.Pool)

	_, err = DecodeOwnerExit(`{"owner":0}`)
	assert.Error(t, err)
	_, err = DecodeOwnerExit(`not json`)
	assert.Error(t, err)
}

func TestUnreachableServer(t *testing.T) {
	c := newTestClient()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, c.Ping(ctx))
	assert.Error(t, c.PublishOwnerExit(ctx, OwnerExit{Owner: 1}))
	assert.Error(t, c.SaveOwnership(ctx, "rx", map[int32]int{1: 2}, time.Minute))
	_, err := c.LoadOwnership(ctx, "rx")
	assert.Error(t, err)
	assert.Error(t, c.WatchOwnerExits(ctx, func(context.Context, OwnerExit) {}, nil))
}
