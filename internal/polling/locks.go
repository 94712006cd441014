package polling

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultLockShards = 64

// lockTable hands out one mutex per identifier. An entry lives only while a
// transaction holds or waits for it; the shards keep the bookkeeping maps
// small under contention.
type lockTable struct {
	shards []lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable(shards int) *lockTable {
	if shards <= 0 {
		shards = defaultLockShards
	}
	t := &lockTable{shards: make([]lockShard, shards)}
	for i := range t.shards {
		t.shards[i].locks = make(map[string]*idLock)
	}
	return t
}

func (t *lockTable) lock(id string) func() {
	shard := &t.shards[xxhash.Sum64String(id)%uint64(len(t.shards))]
	shard.mu.Lock()
	l, ok := shard.locks[id]
	if !ok {
		l = &idLock{}
		shard.locks[id] = l
	}
	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		shard.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(shard.locks, id)
		}
		shard.mu.Unlock()
	}
}

// size reports how many identifiers currently have a lock entry.
func (t *lockTable) size() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].locks)
		t.shards[i].mu.Unlock()
	}
	return n
}

type transactionKey struct{}

// heldConnection links the identifiers locked by the enclosing transactions.
type heldConnection struct {
	id     string
	parent *heldConnection
}

func withHeldConnection(ctx context.Context, id string) context.Context {
	parent, _ := ctx.Value(transactionKey{}).(*heldConnection)
	return context.WithValue(ctx, transactionKey{}, &heldConnection{id: id, parent: parent})
}

func holdsConnection(ctx context.Context, id string) bool {
	held, _ := ctx.Value(transactionKey{}).(*heldConnection)
	for ; held != nil; held = held.parent {
		if held.id == id {
			return true
		}
	}
	return false
}
