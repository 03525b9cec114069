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

// Package redispool implements a Redis-backed address pool so that external
// consumers (a routing layer, health dashboards) can read membership without
// talking to the tracker process.
package redispool

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// Pool stores each tag as a Redis set under <prefix>:<tag>.
type Pool struct {
	client redis.UniversalClient
	prefix string
}

// New returns a Pool writing under the given key prefix.
func New(client redis.UniversalClient, prefix string) *Pool {
	return &Pool{client: client, prefix: prefix}
}

// Publish implements pool.Pool. An empty address set deletes the tag's key;
// a removal under a bare instance id also deletes any key whose tag ends in
// ":"+id. A non-empty set replaces the key contents atomically.
func (p *Pool) Publish(ctx context.Context, tag string, addresses []string) error {
	key := p.key(tag)
	if len(addresses) == 0 {
		keys := []string{key}
		if !strings.Contains(tag, ":") {
			matches, err := p.client.Keys(ctx, p.prefix+":*:"+tag).Result()
			if err != nil {
				return fmt.Errorf("redispool: scan keys for %q: %w", tag, err)
			}
			keys = append(keys, matches...)
		}
		if err := p.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redispool: delete %q: %w", tag, err)
		}
		return nil
	}

	members := make([]interface{}, len(addresses))
	for i, address := range addresses {
		members[i] = address
	}
	pipe := p.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SAdd(ctx, key, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redispool: write %q: %w", tag, err)
	}
	return nil
}

// NewUniversalClient parses a redis:// address and returns a connected
// universal client.
func NewUniversalClient(addr string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("redispool: parse address %q: %w", addr, err)
	}
	return redis.NewClient(opts), nil
}

func (p *Pool) key(tag string) string {
	return p.prefix + ":" + tag
}
