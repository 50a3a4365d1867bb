package rpcpeer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ctring/detock/go/ops"
)

// Directory maintains the mapping from partition id to dialable gRPC
// address for every scheduler in the region, backed by an etcd watch over a
// key prefix. Grounded on the teacher's etcd-keyspace-watching pattern in
// go/flow/journals.go, adapted from Gazette's own keyspace.KeySpace (dropped
// along with the rest of go.gazette.dev/core — see DESIGN.md) down to
// go.etcd.io/etcd/client/v3's watch API directly, since this tree has no use
// for Gazette's generic Etcd-backed-collection abstraction beyond this one
// directory.
type Directory struct {
	log    ops.Logger
	client *clientv3.Client
	prefix string

	mu    sync.RWMutex
	peers map[uint32]string // partition -> "host:port", excludes localPartition
	local uint32
}

// NewDirectory starts watching prefix for peer registrations and blocks
// until the initial listing has loaded.
func NewDirectory(ctx context.Context, l ops.Logger, client *clientv3.Client, prefix string, localPartition uint32) (*Directory, error) {
	d := &Directory{
		log:    l,
		client: client,
		prefix: prefix,
		peers:  make(map[uint32]string),
		local:  localPartition,
	}
	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("rpcpeer: initial directory listing: %w", err)
	}
	for _, kv := range resp.Kvs {
		d.apply(kv.Key, kv.Value, false)
	}
	go d.watch(resp.Header.Revision + 1)
	return d, nil
}

// Register publishes this partition's own address under a lease, refreshed
// until ctx is cancelled. The caller runs this once per process lifetime;
// it returns once the key is written, and a goroutine it starts keeps the
// lease alive.
func (d *Directory) Register(ctx context.Context, partition uint32, address string, leaseTTLSeconds int64) error {
	lease, err := d.client.Grant(ctx, leaseTTLSeconds)
	if err != nil {
		return fmt.Errorf("rpcpeer: grant lease: %w", err)
	}
	key := d.keyFor(partition)
	if _, err := d.client.Put(ctx, key, address, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("rpcpeer: register %s: %w", key, err)
	}
	keepAlive, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("rpcpeer: keepalive %s: %w", key, err)
	}
	go func() {
		for range keepAlive {
			// draining is enough; etcd refreshes the lease TTL on each response.
		}
	}()
	return nil
}

func (d *Directory) keyFor(partition uint32) string {
	return fmt.Sprintf("%s/%d", d.prefix, partition)
}

func (d *Directory) watch(fromRevision int64) {
	ch := d.client.Watch(context.Background(), d.prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRevision))
	for resp := range ch {
		if err := resp.Err(); err != nil {
			d.log.Log(log.WarnLevel, log.Fields{"err": err.Error()}, "rpcpeer directory watch error")
			continue
		}
		for _, ev := range resp.Events {
			d.apply(ev.Kv.Key, ev.Kv.Value, ev.Type == clientv3.EventTypeDelete)
		}
	}
}

func (d *Directory) apply(key, value []byte, deleted bool) {
	var partition uint32
	if _, err := fmt.Sscanf(string(key), d.prefix+"/%d", &partition); err != nil {
		return
	}
	if partition == d.local {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if deleted {
		delete(d.peers, partition)
		return
	}
	d.peers[partition] = string(value)
}

// Address implements PeerDialer.
func (d *Directory) Address(partition uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.peers[partition]
	return addr, ok
}

// Peers implements PeerDialer, returning every known peer partition id
// (excluding the local one) in a stable order.
func (d *Directory) Peers() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint32, 0, len(d.peers))
	for p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
