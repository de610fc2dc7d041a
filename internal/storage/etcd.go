package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV is the subset of etcd operations the backend needs. Multi-key
// reads and writes must be applied in a single transaction.
type EtcdKV interface {
	Get(ctx context.Context, key string) (string, error)
	GetAll(ctx context.Context, keys []string) (map[string]string, error)
	PutAll(ctx context.Context, values map[string]string) error
	DeleteAll(ctx context.Context, keys []string) error
	Close() error
}

// EtcdBackend implements Backend on top of etcd.
type EtcdBackend struct {
	kv     EtcdKV
	prefix string
}

// NewEtcdBackend creates an etcd-backed store. An empty prefix falls back to
// DefaultPrefix.
func NewEtcdBackend(kv EtcdKV, prefix string) *EtcdBackend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdBackend{kv: kv, prefix: prefix}
}

// Get retrieves a value by key.
func (b *EtcdBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.kv.Get(ctx, b.prefix+key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("etcd get: %w", err)
	}
	return v, nil
}

// GetMany reads every key in one transaction.
func (b *EtcdBackend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}
	got, err := b.kv.GetAll(ctx, prefixed)
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	for i, k := range keys {
		if v, ok := got[prefixed[i]]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Put writes all entries in one transaction.
func (b *EtcdBackend) Put(ctx context.Context, entries map[string]string) error {
	prefixed := make(map[string]string, len(entries))
	for k, v := range entries {
		prefixed[b.prefix+k] = v
	}
	if err := b.kv.PutAll(ctx, prefixed); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

// Delete removes keys in one transaction.
func (b *EtcdBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}
	if err := b.kv.DeleteAll(ctx, prefixed); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	return nil
}

// Close closes the etcd client.
func (b *EtcdBackend) Close() error {
	return b.kv.Close()
}

// ConnectEtcd creates an etcd client for the given endpoints.
func ConnectEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return c, nil
}

// etcdClient adapts *clientv3.Client to EtcdKV.
type etcdClient struct {
	c *clientv3.Client
}

// NewEtcdClient wraps an etcd client.
func NewEtcdClient(c *clientv3.Client) EtcdKV {
	return &etcdClient{c: c}
}

func (e *etcdClient) Get(ctx context.Context, key string) (string, error) {
	resp, err := e.c.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *etcdClient) GetAll(ctx context.Context, keys []string) (map[string]string, error) {
	ops := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, clientv3.OpGet(k))
	}
	resp, err := e.c.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, r := range resp.Responses {
		for _, kv := range r.GetResponseRange().GetKvs() {
			out[string(kv.Key)] = string(kv.Value)
		}
	}
	return out, nil
}

func (e *etcdClient) PutAll(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, clientv3.OpPut(k, values[k]))
	}
	_, err := e.c.Txn(ctx).Then(ops...).Commit()
	return err
}

func (e *etcdClient) DeleteAll(ctx context.Context, keys []string) error {
	ops := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, clientv3.OpDelete(k))
	}
	_, err := e.c.Txn(ctx).Then(ops...).Commit()
	return err
}

func (e *etcdClient) Close() error {
	return e.c.Close()
}
