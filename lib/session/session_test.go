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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/lib/events"
	"github.com/wiregate/wiregate/lib/kv"
)

type storePack struct {
	store  *Store
	client kv.Client
	mr     *miniredis.Miniredis
	clock  *clockwork.FakeClock
}

func newStorePack(t *testing.T) *storePack {
	mr := miniredis.RunT(t)
	client := kv.NewClientFromAddr(mr.Addr())
	t.Cleanup(func() { client.Close() })
	clock := clockwork.NewFakeClock()

	store, err := NewStore(Config{
		Client:  client,
		Publish: events.NewPublisher(client),
		Clock:   clock,
		// flushes are driven manually in tests
		FlushInterval:   time.Hour,
		JanitorInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &storePack{store: store, client: client, mr: mr, clock: clock}
}

func TestGetOrCreateMintsSession(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	sess, id, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, "alice", sess.UserID)
	require.Equal(t, "default", sess.ChatID)

	// the data bag is seeded for new sessions
	require.Contains(t, sess.Data, "conversation")
	require.Contains(t, sess.Data, "api_key")

	// the record is persisted with a TTL
	require.True(t, p.mr.Exists(Key(id)))
	require.Greater(t, p.mr.TTL(Key(id)), time.Duration(0))
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)

	sess, sameID, err := p.store.GetOrCreate(ctx, "alice", "default", id)
	require.NoError(t, err)
	require.Equal(t, id, sameID)
	require.Equal(t, "alice", sess.UserID)
}

func TestGetFallsBackToKV(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)

	// age the cache entry past its TTL so the next read hits the KV
	p.clock.Advance(time.Minute)
	sess, err := p.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice", sess.UserID)

	_, err = p.store.Get(ctx, "no-such-session")
	require.True(t, trace.IsNotFound(err))
}

func TestFlushMergesPendingUpdates(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)

	sub, err := p.client.PSubscribe(ctx, events.SessionUpdatePrefix+"*")
	require.NoError(t, err)
	defer sub.Close()

	// later keys win within one flush window
	require.NoError(t, p.store.Update(ctx, id, "alice", "default",
		map[string]interface{}{"api_key": "old", "theme": "dark"}, nil))
	require.NoError(t, p.store.Update(ctx, id, "alice", "default",
		map[string]interface{}{"api_key": "new"}, nil))

	p.store.Flush(ctx)

	p.clock.Advance(time.Minute)
	sess, err := p.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "new", sess.Data["api_key"])
	require.Equal(t, "dark", sess.Data["theme"])

	// exactly one update event per session per flush window
	select {
	case msg := <-sub.C():
		event, err := events.Parse(msg)
		require.NoError(t, err)
		updated, ok := event.(events.SessionUpdated)
		require.True(t, ok)
		require.Equal(t, id, updated.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session update event")
	}
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected second event on %v", msg.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFlushSkipsDeletedSessions(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)
	require.NoError(t, p.store.Update(ctx, id, "alice", "default",
		map[string]interface{}{"theme": "dark"}, nil))

	// session vanishes between enqueue and flush
	require.NoError(t, p.store.Delete(ctx, id))
	p.store.Flush(ctx)

	_, err = p.store.Get(ctx, id)
	require.True(t, trace.IsNotFound(err))
}

func TestFlushNotifiesDroppedUpdates(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)

	failures := make(chan error, 1)
	require.NoError(t, p.store.Update(ctx, id, "alice", "default",
		map[string]interface{}{"api_key": "secret"},
		func(err error) { failures <- err }))

	// session vanishes between enqueue and flush
	require.NoError(t, p.store.Delete(ctx, id))
	p.store.Flush(ctx)

	select {
	case err := <-failures:
		require.True(t, trace.IsNotFound(err))
	default:
		t.Fatal("expected a failure notification for the dropped update")
	}
}

func TestTouchThrottled(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)

	require.NoError(t, p.store.Touch(ctx, id))
	// a touch within the throttle window writes nothing
	p.clock.Advance(10 * time.Second)
	require.NoError(t, p.store.Touch(ctx, id))

	p.clock.Advance(40 * time.Second)
	before, err := p.store.Get(ctx, id)
	require.NoError(t, err)

	// past the window the timestamp advances
	require.NoError(t, p.store.Touch(ctx, id))
	p.clock.Advance(40 * time.Second)
	after, err := p.store.Get(ctx, id)
	require.NoError(t, err)
	require.Greater(t, after.LastAccess, before.LastAccess)
}

func TestDeleteUserSessions(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id1, err := p.store.GetOrCreate(ctx, "alice", "default", "")
	require.NoError(t, err)
	_, id2, err := p.store.GetOrCreate(ctx, "alice", "work", "")
	require.NoError(t, err)
	_, bobID, err := p.store.GetOrCreate(ctx, "bob", "default", "")
	require.NoError(t, err)

	deleted, err := p.store.DeleteUserSessions(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	require.False(t, p.mr.Exists(Key(id1)))
	require.False(t, p.mr.Exists(Key(id2)))
	require.True(t, p.mr.Exists(Key(bobID)))
}

func TestListUserSessions(t *testing.T) {
	p := newStorePack(t)
	ctx := context.Background()

	_, id, err := p.store.GetOrCreate(ctx, "alice", "work", "")
	require.NoError(t, err)
	_, _, err = p.store.GetOrCreate(ctx, "bob", "default", "")
	require.NoError(t, err)

	list, err := p.store.ListUserSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].SessionID)
	require.Equal(t, "work", list[0].ChatID)
}
