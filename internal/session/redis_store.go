// Package session keeps persisted login sessions and anti-automation gate
// passes in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found or expired")

// Session is what a persisted session token restores to.
type Session struct {
	UserID     string    `json:"user_id"`
	ValidUntil time.Time `json:"valid_until"`
	CreatedAt  time.Time `json:"created_at"`
}

// GatePass records that a guest session passed the anti-automation gate and
// the anonymous voter key the gate assigned to it.
type GatePass struct {
	AnonKey  string    `json:"anon_key"`
	PassedAt time.Time `json:"passed_at"`
}

type RedisStore struct {
	client        *redis.Client
	sessionPrefix string
	gatePrefix    string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		sessionPrefix: "agora:session:",
		gatePrefix:    "agora:gate:",
	}
}

// SaveSession stores a session under the hash of its token until expiresAt.
func (s *RedisStore) SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save session: already expired")
	}
	payload, err := json.Marshal(Session{
		UserID:     userID,
		ValidUntil: expiresAt.UTC(),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionPrefix+tokenHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string) (Session, error) {
	raw, err := s.client.Get(ctx, s.sessionPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if session.UserID == "" || !time.Now().Before(session.ValidUntil) {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (s *RedisStore) RevokeSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.sessionPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// MarkGatePassed records a gate pass for a guest session. Passing again
// keeps the anon key the session already holds.
func (s *RedisStore) MarkGatePassed(ctx context.Context, guestSessionID, anonKey string, ttl time.Duration) (GatePass, error) {
	guestSessionID = strings.TrimSpace(guestSessionID)
	anonKey = strings.TrimSpace(anonKey)
	if guestSessionID == "" || anonKey == "" {
		return GatePass{}, fmt.Errorf("mark gate passed: guest session and anon key are required")
	}
	if ttl <= 0 {
		return GatePass{}, fmt.Errorf("mark gate passed: ttl must be positive")
	}

	pass := GatePass{AnonKey: anonKey, PassedAt: time.Now().UTC()}
	payload, err := json.Marshal(pass)
	if err != nil {
		return GatePass{}, fmt.Errorf("marshal gate pass: %w", err)
	}

	key := s.gatePrefix + guestSessionID
	stored, err := s.client.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return GatePass{}, fmt.Errorf("mark gate passed: %w", err)
	}
	if stored {
		return pass, nil
	}

	existing, _, err := s.GatePass(ctx, guestSessionID)
	if err != nil {
		return GatePass{}, err
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return GatePass{}, fmt.Errorf("refresh gate pass: %w", err)
	}
	return existing, nil
}

func (s *RedisStore) GatePass(ctx context.Context, guestSessionID string) (GatePass, bool, error) {
	if strings.TrimSpace(guestSessionID) == "" {
		return GatePass{}, false, nil
	}
	raw, err := s.client.Get(ctx, s.gatePrefix+guestSessionID).Result()
	if errors.Is(err, redis.Nil) {
		return GatePass{}, false, nil
	}
	if err != nil {
		return GatePass{}, false, fmt.Errorf("lookup gate pass: %w", err)
	}

	var pass GatePass
	if err := json.Unmarshal([]byte(raw), &pass); err != nil {
		return GatePass{}, false, fmt.Errorf("unmarshal gate pass: %w", err)
	}
	return pass, pass.AnonKey != "", nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
