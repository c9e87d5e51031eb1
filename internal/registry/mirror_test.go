package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenerunr/api/internal/types"
)

type fakeRedis struct {
	setKey string
	setVal []byte
	setTTL time.Duration
	setErr error
	getVal string
	getErr error
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.setKey = key
	f.setVal, _ = value.([]byte)
	f.setTTL = ttl
	return redis.NewStatusResult("OK", f.setErr)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	return redis.NewStringResult(f.getVal, f.getErr)
}

func TestRedisMirrorSet(t *testing.T) {
	client := &fakeRedis{}
	mirror := NewRedisMirror(client, "job:", time.Hour)

	job := types.RenderJob{
		JobID:    "abc",
		Status:   types.StatusRunning,
		Message:  "Executing engine...",
		Progress: 20,
	}
	require.NoError(t, mirror.Set(context.Background(), job))

	assert.Equal(t, "job:abc", client.setKey)
	assert.Equal(t, time.Hour, client.setTTL)

	var stored types.RenderJob
	require.NoError(t, json.Unmarshal(client.setVal, &stored))
	assert.Equal(t, job, stored)
}

func TestRedisMirrorSetError(t *testing.T) {
	client := &fakeRedis{setErr: errors.New("connection refused")}
	mirror := NewRedisMirror(client, "job:", time.Hour)

	err := mirror.Set(context.Background(), types.RenderJob{JobID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abc")
}

func TestRedisMirrorGet(t *testing.T) {
	want := types.RenderJob{JobID: "abc", Status: types.StatusCompleted, OutputReference: "s3://b/k"}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	client := &fakeRedis{getVal: string(payload)}
	mirror := NewRedisMirror(client, "job:", time.Hour)

	got, found, err := mirror.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
}

func TestRedisMirrorGetMissing(t *testing.T) {
	client := &fakeRedis{getErr: redis.Nil}
	mirror := NewRedisMirror(client, "job:", time.Hour)

	_, found, err := mirror.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisMirrorGetFailure(t *testing.T) {
	client := &fakeRedis{getErr: errors.New("connection refused")}
	mirror := NewRedisMirror(client, "job:", time.Hour)

	_, found, err := mirror.Get(context.Background(), "abc")
	require.Error(t, err)
	assert.False(t, found)
}

func TestRedisMirrorGetCorrupt(t *testing.T) {
	client := &fakeRedis{getVal: "{not json"}
	mirror := NewRedisMirror(client, "job:", time.Hour)

	_, found, err := mirror.Get(context.Background(), "abc")
	require.Error(t, err)
	assert.False(t, found)
}

func TestNoopMirror(t *testing.T) {
	mirror := NoopMirror{}
	require.NoError(t, mirror.Set(context.Background(), types.RenderJob{JobID: "x"}))
	_, found, err := mirror.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, found)
}
