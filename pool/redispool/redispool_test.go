// Copyright 2026 The Waferlock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package redispool

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRedisAddr = "redis://localhost:6379"
	testPrefix    = "waferlock-test"
)

func setupTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	client, err := NewUniversalClient(testRedisAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", testRedisAddr, err)
	}

	cleanup := func() {
		keys, _ := client.Keys(ctx, testPrefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return client
}

func TestPublishAndRemove(t *testing.T) {
	client := setupTestRedis(t)
	pool := New(client, testPrefix)
	ctx := context.Background()

	require.NoError(t, pool.Publish(ctx, "app:web:i1", []string{"10.0.0.1", "10.0.1.1"}))
	members, err := client.SMembers(ctx, testPrefix+":app:web:i1").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.1.1"}, members)

	// Publishing a new set replaces the previous contents.
	require.NoError(t, pool.Publish(ctx, "app:web:i1", []string{"10.0.0.2"}))
	members, err = client.SMembers(ctx, testPrefix+":app:web:i1").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2"}, members)

	// An empty set removes the tag.
	require.NoError(t, pool.Publish(ctx, "app:web:i1", nil))
	exists, err := client.Exists(ctx, testPrefix+":app:web:i1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestBareIDRemovalClearsMembershipTags(t *testing.T) {
	client := setupTestRedis(t)
	pool := New(client, testPrefix)
	ctx := context.Background()

	require.NoError(t, pool.Publish(ctx, "app:web:i1", []string{"10.0.0.1"}))
	require.NoError(t, pool.Publish(ctx, "app:web:i2", []string{"10.0.0.2"}))

	require.NoError(t, pool.Publish(ctx, "i1", nil))
	exists, err := client.Exists(ctx, testPrefix+":app:web:i1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	exists, err = client.Exists(ctx, testPrefix+":app:web:i2").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists)
}
