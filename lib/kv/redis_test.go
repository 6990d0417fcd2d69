/*
Copyright 2024 Wiregate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := NewClientFromAddr(mr.Addr())
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestGetSet(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, client.Set(ctx, "key", "value", time.Minute))
	val, err := client.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, "value", val)

	// TTL expiry removes the key
	mr.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "key")
	require.True(t, trace.IsNotFound(err))
}

func TestHashOperations(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	fields, err := client.HGetAll(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, fields)

	require.NoError(t, client.HSet(ctx, "conn", map[string]string{
		"session_id": "abc",
		"gateway_id": "pod-1",
	}))
	fields, err = client.HGetAll(ctx, "conn")
	require.NoError(t, err)
	require.Equal(t, "abc", fields["session_id"])
	require.Equal(t, "pod-1", fields["gateway_id"])

	require.NoError(t, client.HDel(ctx, "conn", "gateway_id"))
	fields, err = client.HGetAll(ctx, "conn")
	require.NoError(t, err)
	require.NotContains(t, fields, "gateway_id")
}

func TestScan(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for _, key := range []string{"sessions:a", "sessions:b", "users:c"} {
		require.NoError(t, client.Set(ctx, key, "x", 0))
	}
	keys, err := client.Scan(ctx, "sessions:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sessions:a", "sessions:b"}, keys)
}

func TestBatchOperations(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.BatchSet(ctx, map[string]Entry{
		"k1": {Value: "v1", TTL: time.Minute},
		"k2": {Value: "v2", TTL: time.Minute},
	}))

	// missing keys come back as empty strings, in request order
	vals, err := client.BatchGet(ctx, []string{"k1", "missing", "k2"})
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "", "v2"}, vals)

	mr.FastForward(2 * time.Minute)
	vals, err = client.BatchGet(ctx, []string{"k1", "k2"})
	require.NoError(t, err)
	require.Equal(t, []string{"", ""}, vals)
}

func TestPubSub(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := client.PSubscribe(ctx, "events:session:*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, "events:session:new:alice", []byte(`{"id":"s1"}`)))
	require.NoError(t, client.Publish(ctx, "events:user:register:bob", []byte(`{}`)))
	require.NoError(t, client.Publish(ctx, "events:session:logout:alice", []byte(`{}`)))

	// only the matching channels are delivered
	msg := receiveMessage(t, sub)
	require.Equal(t, "events:session:new:alice", msg.Channel)
	require.JSONEq(t, `{"id":"s1"}`, string(msg.Payload))

	msg = receiveMessage(t, sub)
	require.Equal(t, "events:session:logout:alice", msg.Channel)
}

func receiveMessage(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
		return Message{}
	}
}
