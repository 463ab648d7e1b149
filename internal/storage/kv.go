// Package storage is the on-device persistence layer: a whole-value key/value
// store holding cached question sets, in-progress session snapshots and the
// queue of submissions waiting for the remote store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("storage: key not found")

// KV has read/write-whole-value semantics. Delete of a missing key is not an error.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, kv KV, key Key, v any) error {
	b, err := kv.Get(ctx, key.String())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, kv KV, key Key, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.Set(ctx, key.String(), b)
}

// ListNamespace returns the parsed keys stored under ns.
func ListNamespace(ctx context.Context, kv KV, ns Namespace) ([]Key, error) {
	raw, err := kv.ListKeys(ctx, ns.Prefix())
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(raw))
	for _, r := range raw {
		k, err := ParseKey(r)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
