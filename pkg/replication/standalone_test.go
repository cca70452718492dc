// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandaloneLogAppendAndWatch(t *testing.T) {
	b := NewStandalone()
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := b.Log()
	idx, err := log.Append(ctx, "s1", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)
	idx, err = log.Append(ctx, "s1", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)

	ch, err := log.Watch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), (<-ch).Payload)
	assert.Equal(t, []byte("two"), (<-ch).Payload)

	_, err = log.Append(ctx, "s2", []byte("three"))
	require.NoError(t, err)
	e := <-ch
	assert.Equal(t, uint64(3), e.Index)
	assert.Equal(t, "s2", e.Origin)

	last, err := log.LastIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestStandaloneWatchFromMiddle(t *testing.T) {
	b := NewStandalone()
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	log := b.Log()
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "s1", []byte{byte(i)})
		require.NoError(t, err)
	}
	ch, err := log.Watch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), (<-ch).Index)
	assert.Equal(t, uint64(5), (<-ch).Index)
}

func TestStandaloneLogPrune(t *testing.T) {
	b := NewStandalone()
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	log := b.Log()
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, "s1", []byte{byte(i)})
		require.NoError(t, err)
	}

	// entries appended just now are younger than any retention age and must
	// survive even when the count bound says they are prunable
	require.NoError(t, log.Prune(ctx, 3, time.Now().Add(-time.Hour)))
	ch, err := log.Watch(ctx, 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.NotNil(t, (<-ch).Payload, "entry %d", i+1)
	}

	// once old enough, entries up to the count bound go; the tip stays
	require.NoError(t, log.Prune(ctx, 3, time.Now().Add(time.Hour)))
	ch, err = log.Watch(ctx, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Nil(t, (<-ch).Payload, "entry %d", i+1)
	}
	e := <-ch
	assert.Equal(t, uint64(4), e.Index)
	assert.NotNil(t, e.Payload)
}

func TestKeyedMutexSerializes(t *testing.T) {
	b := NewStandalone()
	defer func() { _ = b.Close() }()
	release, err := b.Locker().Acquire(context.Background(), "foo/bar")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Locker().Acquire(ctx, "foo/bar")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// an unrelated key is not blocked
	release2, err := b.Locker().Acquire(context.Background(), "foo/baz")
	require.NoError(t, err)
	release2()

	release()
	release3, err := b.Locker().Acquire(context.Background(), "foo/bar")
	require.NoError(t, err)
	release3()
}

func TestWindowCounter(t *testing.T) {
	b := NewStandalone()
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := b.Counter().Incr(ctx, "foo/bar", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := b.Counter().Incr(ctx, "foo/other", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStandaloneElection(t *testing.T) {
	b := NewStandalone()
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	took := make(chan struct{})
	released := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.RunElection(ctx, "s1", LeaderCallbacks{
			OnTakeLeadership:    func(context.Context) { close(took) },
			OnReleaseLeadership: func() { close(released) },
		})
	}()
	<-took
	assert.True(t, b.IsLeader())
	cancel()
	<-released
	require.NoError(t, <-done)
	assert.False(t, b.IsLeader())
}

func TestConfigValidate(t *testing.T) {
	c := &Config{Method: MethodCoordinated}
	assert.Error(t, c.Validate())
	c.Servers = []string{"127.0.0.1:2379"}
	assert.Error(t, c.Validate())
	c.ServerID = "replica-1"
	assert.NoError(t, c.Validate())

	c.Quorum = []Group{{Name: "zone-a"}}
	assert.Error(t, c.Validate())
	c.Quorum = []Group{{Name: "zone-a", Members: []Member{{Address: "a", Weight: 0}}}}
	assert.Error(t, c.Validate())
	c.Quorum = []Group{
		{Name: "zone-a", Members: []Member{{Address: "a", Weight: 1}, {Address: "observer", Weight: 0}}},
		{Name: "zone-b", Members: []Member{{Address: "b", Weight: 1}}},
		{Name: "zone-c", Members: []Member{{Address: "c", Weight: 1}}},
	}
	assert.NoError(t, c.Validate())
	assert.Equal(t, 2, c.GroupMajority())

	none := &Config{Method: MethodNone}
	assert.NoError(t, none.Validate())
	assert.False(t, none.Enabled())
}
