package annotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Storage is the transactional write path for a room's shared annotation
// state. Update runs fn against the latest committed state and commits the
// result atomically; fn may run more than once and must not have side effects.
type Storage interface {
	Init(ctx context.Context) error
	Load(ctx context.Context) (State, error)
	Update(ctx context.Context, fn func(*State) error) (State, error)
	Delete(ctx context.Context) error
}

// MemoryStorage keeps state in process. Used for single-instance deployments
// and tests.
type MemoryStorage struct {
	mu    sync.Mutex
	state State
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{state: InitialState()}
}

func (m *MemoryStorage) Init(context.Context) error { return nil }

func (m *MemoryStorage) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), nil
}

func (m *MemoryStorage) Update(_ context.Context, fn func(*State) error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errUnchanged) {
			return m.state.clone(), nil
		}
		return State{}, err
	}
	m.state = next
	return next.clone(), nil
}

func (m *MemoryStorage) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = InitialState()
	return nil
}

const maxTxAttempts = 8

// RedisStorage keeps a room's state as one JSON value and updates it with
// optimistic WATCH/MULTI transactions. Only the instance holding the room's
// lease (see Leases) writes to it; the state outlives that instance.
type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(client *redis.Client, roomID string) *RedisStorage {
	return &RedisStorage{client: client, key: "room:" + roomID + ":annotations"}
}

// RedisStorageFactory returns a constructor for per-room storages sharing client.
func RedisStorageFactory(client *redis.Client) func(roomID string) Storage {
	return func(roomID string) Storage {
		return NewRedisStorage(client, roomID)
	}
}

// Init writes the initial shape unless the room already has state.
func (s *RedisStorage) Init(ctx context.Context) error {
	payload, err := json.Marshal(InitialState())
	if err != nil {
		return fmt.Errorf("marshal initial state: %w", err)
	}
	if err := s.client.SetNX(ctx, s.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("init annotations: %w", err)
	}
	return nil
}

func (s *RedisStorage) Load(ctx context.Context) (State, error) {
	return s.load(ctx, s.client)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStorage) load(ctx context.Context, g getter) (State, error) {
	raw, err := g.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return InitialState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load annotations: %w", err)
	}
	state := InitialState()
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("unmarshal annotations: %w", err)
	}
	if state.Suggestions == nil {
		state.Suggestions = []SuggestionItem{}
	}
	return state, nil
}

func (s *RedisStorage) Update(ctx context.Context, fn func(*State) error) (State, error) {
	var result State
	txf := func(tx *redis.Tx) error {
		state, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(&state); err != nil {
			if errors.Is(err, errUnchanged) {
				result = state
				return nil
			}
			return err
		}
		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal annotations: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, payload, 0)
			return nil
		})
		if err == nil {
			result = state
		}
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, s.key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return State{}, err
	}
	return State{}, ErrConflict
}

func (s *RedisStorage) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete annotations: %w", err)
	}
	return nil
}
