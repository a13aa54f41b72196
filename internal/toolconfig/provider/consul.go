package provider

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulProvider reads a tool config blob from a single Consul KV key and
// polls it for changes using Consul's blocking-query semantics (long-poll
// on the key's ModifyIndex).
type ConsulProvider struct {
	client *consulapi.Client
	key    string
}

// NewConsulProvider connects to the first given endpoint (Consul's client
// API takes a single address; additional endpoints are accepted for
// symmetry with the other providers and ignored beyond the first).
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("consul provider requires at least one endpoint")
	}
	if key == "" {
		return nil, fmt.Errorf("consul provider requires a KV key")
	}
	cfg := consulapi.DefaultConfig()
	cfg.Address = endpoints[0]
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &ConsulProvider{client: client, key: key}, nil
}

func (p *ConsulProvider) Type() Type { return TypeConsul }

func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	kv := p.client.KV()
	pair, _, err := kv.Get(p.key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	return pair.Value, nil
}

// Watch long-polls the KV key's ModifyIndex, emitting a notification each
// time it advances.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		kv := p.client.KV()
		var lastIndex uint64
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			opts := (&consulapi.QueryOptions{WaitIndex: lastIndex, WaitTime: 5 * time.Minute}).WithContext(ctx)
			pair, meta, err := kv.Get(p.key, opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}
			if meta.LastIndex > lastIndex && lastIndex != 0 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			if meta != nil {
				lastIndex = meta.LastIndex
			}
			_ = pair
		}
	}()
	return ch, nil
}

func (p *ConsulProvider) Close() error { return nil }

var _ Provider = (*ConsulProvider)(nil)
