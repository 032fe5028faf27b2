// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// scriptedHook answers commands without a server: the SETNX marker write
// succeeds, the RPUSH fails, and the rollback DEL fails too. It lets the
// test drive the enqueue failure path against the real client plumbing.
type scriptedHook struct {
	dels int
}

func (h *scriptedHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *scriptedHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *scriptedHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch c := cmd.(type) {
		case *redis.BoolCmd:
			c.SetVal(true)
			return nil
		case *redis.IntCmd:
			switch c.Name() {
			case "rpush":
				err := errors.New("connection reset")
				c.SetErr(err)
				return err
			case "del":
				h.dels++
				err := errors.New("connection reset")
				c.SetErr(err)
				return err
			}
		}
		return next(ctx, cmd)
	}
}

// A failed push must roll the dedup marker back so later schedules are not
// suppressed by a job that never landed; when the rollback itself fails the
// enqueue error still surfaces and the marker TTL is the backstop.
func TestEnqueue_PushFailureAttemptsMarkerRollback(t *testing.T) {
	hook := &scriptedHook{}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(hook)

	q := NewRedisQueue(client, time.Minute)
	id, err := q.Enqueue(context.Background(), TaskRefreshEntity, "refresh:player:p1", "player", "p1")
	if err == nil || !strings.Contains(err.Error(), "queue push") {
		t.Fatalf("expected push error, got id=%q err=%v", id, err)
	}
	if hook.dels != 1 {
		t.Fatalf("marker rollback should be attempted exactly once, got %d", hook.dels)
	}
}
