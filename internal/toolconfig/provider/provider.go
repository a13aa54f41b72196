// Package provider supplies raw tool-definition bytes from a file or a
// remote KV store, with change notification for hot reload.
package provider

import (
	"context"
	"fmt"
)

// Type identifies a provider backend.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// ParseType validates and normalizes a backend name from configuration.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFile, TypeConsul, TypeEtcd, TypeZookeeper:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown config provider type %q", s)
	}
}

// Config describes how to construct a Provider.
type Config struct {
	Type      Type
	Path      string   // file path, or KV key/prefix
	Endpoints []string // remote backend addresses
}

// Provider is the minimal interface toolconfig.Loader depends on.
type Provider interface {
	Type() Type
	Load(ctx context.Context) ([]byte, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// New constructs a Provider from cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case TypeFile:
		return NewFileProvider(cfg.Path)
	case TypeConsul:
		return NewConsulProvider(cfg.Endpoints, cfg.Path)
	case TypeEtcd:
		return NewEtcdProvider(cfg.Endpoints, cfg.Path)
	case TypeZookeeper:
		return NewZookeeperProvider(cfg.Endpoints, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported config provider type %q", cfg.Type)
	}
}
