// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antgroup/omega/pkg/omega"
)

func TestWatchWakesOnMatchingPathOnly(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, omega.NewUpsertJSON("/x.json", []byte(`{"a":1}`)))
	push(t, r, omega.NewUpsertJSON("/x.json", []byte(`{"a":2}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan omega.Revision, 1)
	errs := make(chan error, 1)
	go func() {
		rev, err := r.Watch(ctx, 3, "/y.json")
		if err != nil {
			errs <- err
			return
		}
		done <- rev
	}()

	waitForWaiters(t, r, 1)
	push(t, r, omega.NewUpsertJSON("/x.json", []byte(`{"a":3}`)))
	select {
	case rev := <-done:
		t.Fatalf("watch completed with revision %d for a non-matching commit", rev)
	case err := <-errs:
		t.Fatalf("watch failed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	push(t, r, omega.NewUpsertJSON("/y.json", []byte(`{"b":1}`)))
	select {
	case rev := <-done:
		assert.Equal(t, omega.Revision(5), rev)
	case err := <-errs:
		t.Fatalf("watch failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not complete")
	}
}

func TestWatchImmediateCompletion(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, omega.NewUpsertJSON("/x.json", []byte(`{"a":1}`)))
	rev, err := r.Watch(context.Background(), 1, "/x.json")
	require.NoError(t, err)
	assert.Equal(t, omega.Revision(2), rev)
}

func TestWatchTimeout(t *testing.T) {
	r := newTestRepo(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Watch(ctx, omega.Head, "/**")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, pendingWaiters(r))
}

func TestWatchCancellation(t *testing.T) {
	r := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := r.Watch(ctx, omega.Head, "/**")
		errs <- err
	}()
	waitForWaiters(t, r, 1)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Zero(t, pendingWaiters(r))
}

func TestWatchDrainedOnClose(t *testing.T) {
	r := newTestRepo(t)
	errs := make(chan error, 1)
	go func() {
		_, err := r.Watch(context.Background(), omega.Head, "/**")
		errs <- err
	}()
	waitForWaiters(t, r, 1)
	require.NoError(t, r.Close(nil))
	assert.True(t, omega.IsKind(<-errs, omega.ShuttingDown))
}

func TestWatchQueryIgnoresIdenticalContent(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, omega.NewUpsertJSON("/w.json", []byte(`{"v":1}`)))

	entries := make(chan *omega.Entry, 1)
	errs := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		entry, err := r.WatchQuery(ctx, 2, omega.NewQuery("/w.json"))
		if err != nil {
			errs <- err
			return
		}
		entries <- entry
	}()

	// remove and re-create with identical content: the query result is
	// unchanged, so the watch must stay pending
	waitForWaiters(t, r, 1)
	push(t, r, omega.NewRemove("/w.json"))
	waitForWaiters(t, r, 1)
	push(t, r, omega.NewUpsertJSON("/w.json", []byte(`{"v":1}`)))
	select {
	case e := <-entries:
		t.Fatalf("watch completed with unchanged content %s", e.Content)
	case err := <-errs:
		t.Fatalf("watch failed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	waitForWaiters(t, r, 1)
	push(t, r, omega.NewUpsertJSON("/w.json", []byte(`{"v":2}`)))
	select {
	case entry := <-entries:
		assert.Equal(t, `{"v":2}`, string(entry.Content))
		assert.Equal(t, omega.Revision(5), entry.Revision)
	case err := <-errs:
		t.Fatalf("watch failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not complete")
	}
}

func pendingWaiters(r Repository) int {
	return r.(*repository).watchers.pending()
}

func waitForWaiters(t *testing.T, r Repository, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pendingWaiters(r) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no waiter registered in time")
}
