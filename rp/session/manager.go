package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

var (
	// ErrNotFound means the identifier resolves to no record, either because
	// it never existed or because the store evicted it.
	ErrNotFound = errors.New("session not found")
	// ErrStore means the store itself could not be reached. Callers decide
	// whether to fail closed (reads) or surface a retryable error (writes).
	ErrStore = errors.New("session store unavailable")
)

// Manager binds browser-presented session identifiers to server-side
// records in redis. Records are namespaced per owning service so two
// services sharing one store never collide.
type Manager struct {
	client    *redis.Client
	namespace string
	lifetime  time.Duration
	log       zerolog.Logger
}

func NewManager(client *redis.Client, namespace string, lifetime time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		client:    client,
		namespace: namespace,
		lifetime:  lifetime,
		log:       log,
	}
}

func (m *Manager) key(id string) string {
	return m.namespace + ":sess:" + id
}

// Create allocates a fresh opaque identifier and stores the record with the
// configured maximum session lifetime as store TTL.
func (m *Manager) Create(ts TokenSet) (string, error) {
	id := uuid.NewV4().String()
	now := time.Now().Unix()
	s := Session{
		ID:             id,
		TokenSet:       ts,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	if err := m.client.Set(m.key(id), data, m.lifetime).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	return id, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	r, err := m.client.Get(m.key(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("session store read failed")
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	var s Session
	if err := json.Unmarshal([]byte(r), &s); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("dropping unreadable session record")
		m.client.Del(m.key(id))
		return nil, ErrNotFound
	}
	return &s, nil
}

// Update replaces the stored token set wholesale, keeping the remaining
// store TTL so a refresh does not extend the session lifetime.
func (m *Manager) Update(id string, ts TokenSet) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	ttl, err := m.client.TTL(m.key(id)).Result()
	if err != nil || ttl <= 0 {
		ttl = m.lifetime
	}
	s.TokenSet = ts
	s.LastAccessedAt = time.Now().Unix()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.client.Set(m.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// Destroy removes the record. Destroying an unknown identifier is not an
// error, which makes logout idempotent.
func (m *Manager) Destroy(id string) error {
	if err := m.client.Del(m.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}
