// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	defaultSessionTTL = 10 // seconds
	logKeyWidth       = 20
)

// Etcd coordinates a cluster of replicas through an etcd keyspace:
//
//	<prefix>/seq            highest appended log index
//	<prefix>/log/<index>    one JSON entry per command, zero padded keys
//	<prefix>/election       leader election
//	<prefix>/locks/<key>    per-repository write locks
//	<prefix>/progress/<id>  last applied index per replica
//	<prefix>/quota/<key>/<window>  shared write counters, lease expired
type Etcd struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration

	// the session is replaced after a lease expiry; election, locks and
	// Close all read it through currentSession
	mu      sync.RWMutex
	session *concurrency.Session

	leading atomic.Bool
}

var _ Backend = (*Etcd)(nil)

type EtcdOptions struct {
	Endpoints []string
	Username  string
	Password  string
	Prefix    string
	Timeout   time.Duration
}

func NewEtcd(opts *EtcdOptions) (*Etcd, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordination service: %w", err)
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(defaultSessionTTL))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to establish coordination session: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "/omega"
	}
	return &Etcd{client: client, session: session, prefix: prefix, timeout: timeout}, nil
}

func (b *Etcd) currentSession() *concurrency.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

func (b *Etcd) setSession(s *concurrency.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = s
}

func (b *Etcd) seqKey() string { return b.prefix + "/seq" }

func (b *Etcd) logPrefix() string { return b.prefix + "/log/" }

func (b *Etcd) logKey(index uint64) string {
	return fmt.Sprintf("%s/log/%0*d", b.prefix, logKeyWidth, index)
}

func (b *Etcd) Log() Log       { return (*etcdLog)(b) }
func (b *Etcd) Locker() Locker { return (*etcdLocker)(b) }
func (b *Etcd) Counter() Counter {
	return (*etcdCounter)(b)
}

func (b *Etcd) RunElection(ctx context.Context, serverID string, cb LeaderCallbacks) error {
	for {
		session := b.currentSession()
		election := concurrency.NewElection(session, b.prefix+"/election")
		if err := election.Campaign(ctx, serverID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.Errorf("leader election campaign failed: %v", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		logrus.Infof("replica %s took leadership", serverID)
		b.leading.Store(true)
		if cb.OnTakeLeadership != nil {
			cb.OnTakeLeadership(ctx)
		}
		select {
		case <-session.Done():
			// the lease expired: quorum loss or partition
			logrus.Errorf("replica %s lost leadership: coordination session expired", serverID)
		case <-ctx.Done():
			resignCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
			_ = election.Resign(resignCtx)
			cancel()
		}
		b.leading.Store(false)
		if cb.OnReleaseLeadership != nil {
			cb.OnReleaseLeadership()
		}
		if ctx.Err() != nil {
			return nil
		}
		// the session is gone for good; a fresh one is needed to campaign
		session, err := concurrency.NewSession(b.client, concurrency.WithTTL(defaultSessionTTL))
		if err != nil {
			return fmt.Errorf("failed to re-establish coordination session: %w", err)
		}
		b.setSession(session)
	}
}

func (b *Etcd) IsLeader() bool {
	return b.leading.Load()
}

func (b *Etcd) LastApplied(ctx context.Context, serverID string) (uint64, error) {
	resp, err := b.client.Get(ctx, b.prefix+"/progress/"+serverID)
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	return strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
}

func (b *Etcd) SetLastApplied(ctx context.Context, serverID string, index uint64) error {
	_, err := b.client.Put(ctx, b.prefix+"/progress/"+serverID, strconv.FormatUint(index, 10))
	return err
}

func (b *Etcd) Close() error {
	_ = b.currentSession().Close()
	return b.client.Close()
}

type etcdLog Etcd

func (l *etcdLog) Append(ctx context.Context, origin string, payload []byte) (uint64, error) {
	b := (*Etcd)(l)
	for {
		resp, err := b.client.Get(ctx, b.seqKey())
		if err != nil {
			return 0, err
		}
		var current uint64
		cmp := clientv3.Compare(clientv3.CreateRevision(b.seqKey()), "=", 0)
		if len(resp.Kvs) > 0 {
			current, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("corrupt log sequence: %w", err)
			}
			cmp = clientv3.Compare(clientv3.ModRevision(b.seqKey()), "=", resp.Kvs[0].ModRevision)
		}
		next := current + 1
		entry, err := json.Marshal(&Entry{
			Index:            next,
			Origin:           origin,
			AppendedAtMillis: time.Now().UnixMilli(),
			Payload:          payload,
		})
		if err != nil {
			return 0, err
		}
		txn, err := b.client.Txn(ctx).If(cmp).Then(
			clientv3.OpPut(b.seqKey(), strconv.FormatUint(next, 10)),
			clientv3.OpPut(b.logKey(next), string(entry)),
		).Commit()
		if err != nil {
			return 0, err
		}
		if txn.Succeeded {
			return next, nil
		}
		// lost the race against another appender, retry
	}
}

func (l *etcdLog) Watch(ctx context.Context, from uint64) (<-chan Entry, error) {
	b := (*Etcd)(l)
	resp, err := b.client.Get(ctx, b.logKey(from+1),
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(b.logPrefix())))
	if err != nil {
		return nil, err
	}
	out := make(chan Entry, 256)
	backlog := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("corrupt log entry %s: %w", kv.Key, err)
		}
		backlog = append(backlog, e)
	}
	watchCh := b.client.Watch(clientv3.WithRequireLeader(ctx), b.logPrefix(),
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		defer close(out)
		last := from
		for _, e := range backlog {
			if e.Index <= last {
				continue
			}
			select {
			case out <- e:
				last = e.Index
			case <-ctx.Done():
				return
			}
		}
		for wresp := range watchCh {
			if wresp.Err() != nil {
				logrus.Errorf("replication log watch error: %v", wresp.Err())
				return
			}
			for _, ev := range wresp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var e Entry
				if err := json.Unmarshal(ev.Kv.Value, &e); err != nil {
					logrus.Errorf("corrupt log entry %s: %v", ev.Kv.Key, err)
					return
				}
				if e.Index <= last {
					continue
				}
				select {
				case out <- e:
					last = e.Index
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (l *etcdLog) LastIndex(ctx context.Context) (uint64, error) {
	b := (*Etcd)(l)
	resp, err := b.client.Get(ctx, b.seqKey())
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	return strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
}

func (l *etcdLog) Prune(ctx context.Context, upTo uint64, olderThan time.Time) error {
	b := (*Etcd)(l)
	resp, err := b.client.Get(ctx, b.logKey(1),
		clientv3.WithRange(b.logKey(upTo+1)), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return err
	}
	// append times are non-decreasing under a single leader, so the prunable
	// entries form a prefix of the range
	cutoff := olderThan.UnixMilli()
	var end uint64
	for _, kv := range resp.Kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return fmt.Errorf("corrupt log entry %s: %w", kv.Key, err)
		}
		if e.AppendedAtMillis >= cutoff {
			break
		}
		end = e.Index
	}
	if end == 0 {
		return nil
	}
	_, err = b.client.Delete(ctx, b.logKey(1), clientv3.WithRange(b.logKey(end+1)))
	return err
}

type etcdLocker Etcd

func (lk *etcdLocker) Acquire(ctx context.Context, key string) (func(), error) {
	b := (*Etcd)(lk)
	mutex := concurrency.NewMutex(b.currentSession(), b.prefix+"/locks/"+key)
	if err := mutex.Lock(ctx); err != nil {
		return nil, err
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := mutex.Unlock(unlockCtx); err != nil {
			logrus.Errorf("failed to release lock %s: %v", key, err)
		}
	}, nil
}

type etcdCounter Etcd

func (c *etcdCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	b := (*Etcd)(c)
	windowStart := time.Now().Truncate(window).Unix()
	counterKey := fmt.Sprintf("%s/quota/%s/%d", b.prefix, key, windowStart)
	for {
		resp, err := b.client.Get(ctx, counterKey)
		if err != nil {
			return 0, err
		}
		if len(resp.Kvs) == 0 {
			lease, err := b.client.Grant(ctx, int64(2*window/time.Second)+1)
			if err != nil {
				return 0, err
			}
			txn, err := b.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(counterKey), "=", 0)).
				Then(clientv3.OpPut(counterKey, "1", clientv3.WithLease(lease.ID))).
				Commit()
			if err != nil {
				return 0, err
			}
			if txn.Succeeded {
				return 1, nil
			}
			continue
		}
		n, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt quota counter %s: %w", counterKey, err)
		}
		txn, err := b.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(counterKey), "=", resp.Kvs[0].ModRevision)).
			Then(clientv3.OpPut(counterKey, strconv.FormatInt(n+1, 10), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return 0, err
		}
		if txn.Succeeded {
			return n + 1, nil
		}
	}
}
