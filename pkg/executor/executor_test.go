// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/project"
	"github.com/antgroup/omega/pkg/quota"
	"github.com/antgroup/omega/pkg/replication"
	"github.com/antgroup/omega/pkg/storage"
)

var testAuthor = omega.Author{Name: "alice", Email: "alice@example.com"}

func newManager(t *testing.T) *project.Manager {
	t.Helper()
	store, err := storage.NewStore(nil)
	require.NoError(t, err)
	m, err := project.Load(t.TempDir(), store)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func startExecutor(t *testing.T, opts *Options) *Executor {
	t.Helper()
	e := New(opts)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	require.Eventually(t, e.Writable, 3*time.Second, 5*time.Millisecond)
	return e
}

func newStandaloneExecutor(t *testing.T) (*Executor, *project.Manager) {
	t.Helper()
	m := newManager(t)
	b := replication.NewStandalone()
	t.Cleanup(func() { _ = b.Close() })
	e := startExecutor(t, &Options{Manager: m, Backend: b, Gate: quota.New(nil, nil), ServerID: "s1"})
	return e, m
}

func mustExecute(t *testing.T, e *Executor, cmd *Command) *Result {
	t.Helper()
	res, err := e.Execute(context.Background(), cmd)
	require.NoError(t, err, "execute %s", cmd)
	return res
}

func push(t *testing.T, e *Executor, proj, repo string, changes ...omega.Change) *Result {
	t.Helper()
	return mustExecute(t, e, NewNormalizingPush(testAuthor, proj, repo, omega.Head,
		"test push", "", omega.Plaintext, changes))
}

func logEntries(t *testing.T, b replication.Backend) []replication.Entry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	last, err := b.Log().LastIndex(ctx)
	require.NoError(t, err)
	ch, err := b.Log().Watch(ctx, 0)
	require.NoError(t, err)
	out := make([]replication.Entry, 0, last)
	for uint64(len(out)) < last {
		out = append(out, <-ch)
	}
	return out
}

func TestPruneRetainsRecentEntries(t *testing.T) {
	m := newManager(t)
	b := replication.NewStandalone()
	t.Cleanup(func() { _ = b.Close() })
	e := startExecutor(t, &Options{Manager: m, Backend: b, ServerID: "s1",
		MaxLogCount: 1, MinLogAge: time.Hour})

	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))
	push(t, e, "foo", "bar", omega.NewUpsertJSON("/x.json", []byte(`{"a":1}`)))

	// the log is over its count bound, but every entry is seconds old:
	// retention keeps all of them
	e.pruneOnce(context.Background())
	entries := logEntries(t, b)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		assert.NotNil(t, entry.Payload, "entry %d", entry.Index)
	}
}

func TestPruneDropsAgedEntries(t *testing.T) {
	m := newManager(t)
	b := replication.NewStandalone()
	t.Cleanup(func() { _ = b.Close() })
	e := startExecutor(t, &Options{Manager: m, Backend: b, ServerID: "s1",
		MaxLogCount: 1, MinLogAge: time.Millisecond})

	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))
	push(t, e, "foo", "bar", omega.NewUpsertJSON("/x.json", []byte(`{"a":1}`)))

	time.Sleep(5 * time.Millisecond)
	e.pruneOnce(context.Background())
	entries := logEntries(t, b)
	require.Len(t, entries, 3)
	assert.Nil(t, entries[0].Payload)
	assert.Nil(t, entries[1].Payload)
	// the newest MaxLogCount entries stay regardless of age
	assert.NotNil(t, entries[2].Payload)
}

func TestPushAndGet(t *testing.T) {
	e, m := newStandaloneExecutor(t)
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))

	res := push(t, e, "foo", "bar", omega.NewUpsertJSON("/x.json", []byte(`{"a": 1}`)))
	assert.Equal(t, omega.Revision(2), res.Revision)

	r := NewReader(m)
	entry, err := r.GetFile("foo", "bar", omega.Head, omega.NewJSONPathQuery("/x.json", "$.a"))
	require.NoError(t, err)
	assert.Equal(t, omega.Revision(2), entry.Revision)
	assert.Equal(t, omega.JSON, entry.Type)
	assert.Equal(t, "1", string(entry.Content))
}

func TestFollowerReplaysLog(t *testing.T) {
	b := replication.NewStandalone()
	defer func() { _ = b.Close() }()
	leaderM := newManager(t)
	leader := startExecutor(t, &Options{Manager: leaderM, Backend: b, ServerID: "s1"})

	followerM := newManager(t)
	follower := New(&Options{Manager: followerM, Backend: b, ServerID: "s2"})
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	follower.cancel = cancel
	ready := make(chan struct{})
	follower.wg.Add(1)
	go follower.replayLoop(runCtx, 0, 0, ready)

	// a replica that does not lead rejects writes
	_, err := follower.Execute(context.Background(), NewCreateProject(testAuthor, "nope"))
	assert.True(t, omega.IsKind(err, omega.ReplicationError))

	mustExecute(t, leader, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, leader, NewCreateRepository(testAuthor, "foo", "bar"))
	res := push(t, leader, "foo", "bar", omega.NewUpsertJSON("/x.json", []byte(`{"a":1}`)))

	require.Eventually(t, func() bool {
		repo, err := followerM.Repository("foo", "bar")
		return err == nil && repo.Head() == res.Revision
	}, 3*time.Second, 5*time.Millisecond)

	repo, err := followerM.Repository("foo", "bar")
	require.NoError(t, err)
	entry, err := repo.Get(omega.Head, omega.NewQuery("/x.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(entry.Content))

	// the follower recorded its progress through the whole log
	require.Eventually(t, func() bool {
		last, err := b.LastApplied(context.Background(), "s2")
		return err == nil && last == res.Index
	}, 3*time.Second, 5*time.Millisecond)
}

func TestLeaderSkipsOwnEntries(t *testing.T) {
	e, m := newStandaloneExecutor(t)
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))
	res := push(t, e, "foo", "bar", omega.NewUpsertJSON("/x.json", []byte(`{"a":1}`)))

	// if the leader replayed its own pushes the head would advance twice
	require.Eventually(t, func() bool {
		last, err := e.backend.LastApplied(context.Background(), "s1")
		return err == nil && last == res.Index
	}, 3*time.Second, 5*time.Millisecond)
	repo, err := m.Repository("foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, omega.Revision(2), repo.Head())
}

func TestLockTimeout(t *testing.T) {
	m := newManager(t)
	b := replication.NewStandalone()
	defer func() { _ = b.Close() }()
	e := startExecutor(t, &Options{Manager: m, Backend: b, ServerID: "s1", LockTimeout: 100 * time.Millisecond})
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))

	release, err := b.Locker().Acquire(context.Background(), "foo/bar")
	require.NoError(t, err)
	defer release()

	_, err = e.Execute(context.Background(), NewNormalizingPush(testAuthor, "foo", "bar",
		omega.Head, "blocked", "", omega.Plaintext,
		[]omega.Change{omega.NewUpsertText("/t.txt", "x\n")}))
	require.Error(t, err)
	assert.True(t, omega.IsKind(err, omega.ReplicationError))
	assert.Contains(t, err.Error(), "failed to acquire a lock for foo/bar")
}

func TestPushAsIsRejectedFromClients(t *testing.T) {
	e, _ := newStandaloneExecutor(t)
	_, err := e.Execute(context.Background(), &Command{Type: PushAsIs, Project: "foo", Repository: "bar"})
	assert.True(t, omega.IsKind(err, omega.ReplicationError))
}

func TestRepositoryLifecycle(t *testing.T) {
	e, m := newStandaloneExecutor(t)
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))
	push(t, e, "foo", "bar", omega.NewUpsertText("/t.txt", "one\n"))

	mustExecute(t, e, NewRemoveRepository(testAuthor, "foo", "bar"))
	_, err := m.Repository("foo", "bar")
	assert.True(t, omega.IsKind(err, omega.RepositoryNotFound))

	// unremove brings the history back intact
	mustExecute(t, e, NewUnremoveRepository(testAuthor, "foo", "bar"))
	repo, err := m.Repository("foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, omega.Revision(2), repo.Head())

	// purging a live repository is rejected; tombstone first
	_, err = e.Execute(context.Background(), NewPurgeRepository(testAuthor, "foo", "bar"))
	assert.True(t, omega.IsKind(err, omega.ChangeConflict))
	mustExecute(t, e, NewRemoveRepository(testAuthor, "foo", "bar"))
	mustExecute(t, e, NewPurgeRepository(testAuthor, "foo", "bar"))
	removed, err := m.ListRemovedRepositories("foo")
	require.NoError(t, err)
	assert.NotContains(t, removed, "bar")
}

func TestSetWriteQuotaPersists(t *testing.T) {
	m := newManager(t)
	b := replication.NewStandalone()
	defer func() { _ = b.Close() }()
	e := startExecutor(t, &Options{Manager: m, Backend: b, Gate: quota.New(nil, nil), ServerID: "s1"})
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))
	mustExecute(t, e, NewSetWriteQuota(testAuthor, "foo", "bar", &quota.WriteQuota{RequestQuota: 1, TimeWindowSeconds: 60}))

	meta, err := m.MetaRepository("foo")
	require.NoError(t, err)
	entry, err := meta.Get(omega.Head, omega.NewQuery("/repos/bar/quota.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestQuota":1,"timeWindowSeconds":60}`, string(entry.Content))

	push(t, e, "foo", "bar", omega.NewUpsertText("/t.txt", "one\n"))
	_, err = e.Execute(context.Background(), NewNormalizingPush(testAuthor, "foo", "bar",
		omega.Head, "over quota", "", omega.Plaintext,
		[]omega.Change{omega.NewUpsertText("/t.txt", "two\n")}))
	assert.True(t, omega.IsKind(err, omega.TooManyRequests))

	// a restarted replica primes its gate from the persisted file
	b2 := replication.NewStandalone()
	defer func() { _ = b2.Close() }()
	e2 := startExecutor(t, &Options{Manager: m, Backend: b2, Gate: quota.New(nil, nil), ServerID: "s1"})
	push(t, e2, "foo", "bar", omega.NewUpsertText("/t.txt", "two\n"))
	_, err = e2.Execute(context.Background(), NewNormalizingPush(testAuthor, "foo", "bar",
		omega.Head, "over quota", "", omega.Plaintext,
		[]omega.Change{omega.NewUpsertText("/t.txt", "three\n")}))
	assert.True(t, omega.IsKind(err, omega.TooManyRequests))

	// clearing the quota removes the file and the gate override
	mustExecute(t, e2, NewSetWriteQuota(testAuthor, "foo", "bar", nil))
	_, err = meta.Get(omega.Head, omega.NewQuery("/repos/bar/quota.json"))
	assert.True(t, omega.IsKind(err, omega.EntryNotFound))
	push(t, e2, "foo", "bar", omega.NewUpsertText("/t.txt", "three\n"))
}

func TestWatchTimesOutWithSentinel(t *testing.T) {
	e, m := newStandaloneExecutor(t)
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))

	r := NewReader(m)
	start := time.Now()
	rev, err := r.WatchRepository(context.Background(), "foo", "bar", omega.Head, "/**", 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, omega.Revision(0), rev)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWatchWakesThroughExecutor(t *testing.T) {
	e, m := newStandaloneExecutor(t)
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))
	push(t, e, "foo", "bar", omega.NewUpsertJSON("/x.json", []byte(`{"a":1}`)))

	r := NewReader(m)
	type outcome struct {
		rev omega.Revision
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rev, err := r.WatchRepository(context.Background(), "foo", "bar", omega.Revision(2), "/y.json", time.Minute)
		done <- outcome{rev, err}
	}()

	// a commit on an unrelated path must not complete the watch
	push(t, e, "foo", "bar", omega.NewUpsertJSON("/x.json", []byte(`{"a":3}`)))
	select {
	case o := <-done:
		t.Fatalf("watch completed on unrelated path: %+v", o)
	case <-time.After(200 * time.Millisecond):
	}

	res := push(t, e, "foo", "bar", omega.NewUpsertJSON("/y.json", []byte(`{"b":1}`)))
	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, res.Revision, o.rev)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not complete")
	}
}

func TestWatchFileErrorOnEntryNotFound(t *testing.T) {
	e, m := newStandaloneExecutor(t)
	mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	mustExecute(t, e, NewCreateRepository(testAuthor, "foo", "bar"))

	r := NewReader(m)
	_, err := r.WatchFile(context.Background(), "foo", "bar", omega.Head,
		omega.NewQuery("/missing.json"), 100*time.Millisecond, true)
	assert.True(t, omega.IsKind(err, omega.EntryNotFound))

	// without the flag the watch waits and reports no change
	entry, err := r.WatchFile(context.Background(), "foo", "bar", omega.Head,
		omega.NewQuery("/missing.json"), 100*time.Millisecond, false)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestResultCacheByIndex(t *testing.T) {
	e, _ := newStandaloneExecutor(t)
	res := mustExecute(t, e, NewCreateProject(testAuthor, "foo"))
	cached, ok := e.ResultAt(res.Index)
	require.True(t, ok)
	assert.Equal(t, res, cached)
}
