package toolconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Provider supplies raw tool-definition bytes and optionally signals when
// they change, so the Loader can be pointed at a file, a directory, or a
// remote KV store without changing its decode/validate pipeline.
type Provider interface {
	Load(ctx context.Context) ([]byte, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// Loader decodes raw bytes from a Provider into a validated slice of
// ToolConfig and, optionally, re-decodes on every change notification.
type Loader struct {
	provider Provider
	onChange func([]*ToolConfig)
}

// Option configures a Loader.
type Option func(*Loader)

// WithOnChange registers a callback invoked with the newly decoded tool
// set every time Watch observes a change.
func WithOnChange(fn func([]*ToolConfig)) Option {
	return func(l *Loader) { l.onChange = fn }
}

// NewLoader builds a Loader reading from provider.
func NewLoader(provider Provider, opts ...Option) *Loader {
	l := &Loader{provider: provider}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches, decodes, defaults, and validates the current tool set.
func (l *Loader) Load(ctx context.Context) ([]*ToolConfig, error) {
	raw, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tool config: %w", err)
	}
	return decodeAndValidate(raw)
}

// Watch blocks, re-loading and invoking the onChange callback every time
// the provider signals a change, until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch tool config: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			tools, err := l.Load(ctx)
			if err != nil {
				slog.Error("tool config reload failed", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(tools)
			}
		}
	}
}

func decodeAndValidate(raw []byte) ([]*ToolConfig, error) {
	generic, err := parseBytes(raw)
	if err != nil {
		return nil, err
	}

	var tools []*ToolConfig
	decodeOne := func(m any) (*ToolConfig, error) {
		var t ToolConfig
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &t,
			WeaklyTypedInput: true,
			TagName:          "mapstructure",
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("decode tool config: %w", err)
		}
		return &t, nil
	}

	switch v := generic.(type) {
	case []any:
		for _, item := range v {
			t, err := decodeOne(item)
			if err != nil {
				return nil, err
			}
			tools = append(tools, t)
		}
	case map[string]any:
		if rawTools, ok := v["tools"]; ok {
			list, ok := rawTools.([]any)
			if !ok {
				return nil, fmt.Errorf("tool config: \"tools\" must be an array")
			}
			for _, item := range list {
				t, err := decodeOne(item)
				if err != nil {
					return nil, err
				}
				tools = append(tools, t)
			}
		} else {
			t, err := decodeOne(v)
			if err != nil {
				return nil, err
			}
			tools = append(tools, t)
		}
	default:
		return nil, fmt.Errorf("tool config: unsupported top-level shape %T", generic)
	}

	for _, t := range tools {
		t.SetDefaults()
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return tools, nil
}

func parseBytes(raw []byte) (any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("parse tool config as JSON: %w", err)
		}
		return v, nil
	}
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse tool config as YAML: %w", err)
	}
	return normalizeYAML(v), nil
}

// normalizeYAML recursively converts map[string]interface{} produced by
// yaml.v3 (which already uses string keys, unlike yaml.v2) into the plain
// map[string]any / []any shapes mapstructure expects uniformly with JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// LoadFile is a convenience for the common case of a single local file,
// used by the CLI's "validate" subcommand, which doesn't need hot reload.
func LoadFile(path string) ([]*ToolConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool config %q: %w", path, err)
	}
	return decodeAndValidate(raw)
}
