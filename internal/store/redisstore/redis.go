// Package redisstore keeps documents as JSON strings in Redis, one key per
// document plus a per-collection id set used for listing.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"task-hierarchy/backend/internal/domain"
	"task-hierarchy/backend/internal/store"
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix namespaces every key the store writes.
	KeyPrefix string
	// OpTimeout bounds each gateway call.
	OpTimeout time.Duration
	// TxRetries is how many times an optimistic transaction is retried
	// after a concurrent writer touched the watched key.
	TxRetries int
}

func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "hierarchy",
		OpTimeout:    3 * time.Second,
		TxRetries:    10,
	}
}

type Store struct {
	client *redis.Client
	prefix string
	opTO   time.Duration
	txMax  int
}

func New(config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	return NewWithClient(rdb, config)
}

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(client *redis.Client, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Store{client: client, prefix: config.KeyPrefix, opTO: config.OpTimeout, txMax: config.TxRetries}
	if s.prefix == "" {
		s.prefix = "hierarchy"
	}
	if s.opTO <= 0 {
		s.opTO = 3 * time.Second
	}
	if s.txMax <= 0 {
		s.txMax = 10
	}
	return s
}

func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) docKey(c store.Collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, c, id)
}

func (s *Store) idsKey(c store.Collection) string {
	return fmt.Sprintf("%s:%s:ids", s.prefix, c)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTO)
}

func encode(doc store.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return data, nil
}

func decode(data string) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return store.Normalize(doc), nil
}

func notFound(c store.Collection, id string) error {
	return fmt.Errorf("%s %s: %w", c, id, domain.ErrNotFound)
}

func (s *Store) Create(ctx context.Context, c store.Collection, id string, doc store.Document) (store.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stored := store.Clone(doc)
	stored["id"] = id
	data, err := encode(stored)
	if err != nil {
		return nil, domain.NewStoreError("create", string(c), err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(c, id), data, 0)
		pipe.SAdd(ctx, s.idsKey(c), id)
		return nil
	})
	if err != nil {
		return nil, domain.NewStoreError("create", string(c), err)
	}
	return stored, nil
}

func (s *Store) Get(ctx context.Context, c store.Collection, id string) (store.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.docKey(c, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(c, id)
	}
	if err != nil {
		return nil, domain.NewStoreError("get", string(c), err)
	}
	doc, err := decode(data)
	return doc, domain.NewStoreError("get", string(c), err)
}

func (s *Store) List(ctx context.Context, c store.Collection, f store.Filter) ([]store.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.idsKey(c)).Result()
	if err != nil {
		return nil, domain.NewStoreError("list", string(c), err)
	}

	out := []store.Document{}
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(c, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, domain.NewStoreError("list", string(c), err)
	}

	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		doc, err := decode(data)
		if err != nil {
			return nil, domain.NewStoreError("list", string(c), err)
		}
		if f.Matches(doc) {
			out = append(out, doc)
		}
	}
	store.SortByID(out)
	return out, nil
}

// update runs a WATCH/MULTI read-modify-write on one document, retrying when
// another writer got in first.
func (s *Store) update(ctx context.Context, op string, c store.Collection, id string, mutate func(store.Document) (store.Document, bool)) (store.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.docKey(c, id)
	var result store.Document

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return notFound(c, id)
		}
		if err != nil {
			return err
		}
		doc, err := decode(data)
		if err != nil {
			return err
		}

		updated, changed := mutate(doc)
		result = updated
		if !changed {
			return nil
		}
		encoded, err := encode(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.txMax; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, domain.NewStoreError(op, string(c), err)
	}
	return nil, &domain.StoreError{Op: op, Collection: string(c), Err: fmt.Errorf("%s %s: %w", c, id, domain.ErrConflict)}
}

func (s *Store) Patch(ctx context.Context, c store.Collection, id string, fields store.Document) (store.Document, error) {
	return s.update(ctx, "patch", c, id, func(doc store.Document) (store.Document, bool) {
		return store.Merge(doc, fields), true
	})
}

func (s *Store) AppendToList(ctx context.Context, c store.Collection, id, field, value string) (store.Document, error) {
	return s.update(ctx, "append", c, id, func(doc store.Document) (store.Document, bool) {
		return store.AppendUnique(doc, field, value)
	})
}

func (s *Store) Delete(ctx context.Context, c store.Collection, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(c, id))
		pipe.SRem(ctx, s.idsKey(c), id)
		return nil
	})
	return domain.NewStoreError("delete", string(c), err)
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
