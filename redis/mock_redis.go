package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type mockRedis struct {
	lookup map[string][]byte
}

// NewMockClient returns an in-memory Cache for tests. Expirations are ignored.
func NewMockClient() Cache {
	return &mockRedis{
		lookup: make(map[string][]byte),
	}
}

func (m *mockRedis) Ping(ctx context.Context) error {
	return nil
}

func (m *mockRedis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.lookup[key] = []byte(value)
	return nil
}

func (m *mockRedis) Get(ctx context.Context, key string) (bool, string, error) {
	ba, ok := m.lookup[key]
	return ok, string(ba), nil
}

func (m *mockRedis) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	ba, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.lookup[key] = ba
	return nil
}

func (m *mockRedis) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, ok := m.lookup[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(ba, target)
}

func (m *mockRedis) Delete(ctx context.Context, keys []string) (bool, error) {
	for _, k := range keys {
		delete(m.lookup, k)
	}
	return true, nil
}
