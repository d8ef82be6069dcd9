// Package account implements the worker-account and global-configuration
// store backing mmpd's login, getConfig/setConfig and admin RPC surface.
package account

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

const (
	keyGlobalConfig  = "config"
	keyAccountByName = "account:byname:%s"
	keyAccountData   = "account:%s:data"
	keyAccountSeq    = "account:seq"
	keyBlacklist     = "blacklist"
	keyWhitelist     = "whitelist"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("account: not found")

// Store is the Redis-backed account/config store.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to Redis and returns a Store. prefix namespaces every
// key so multiple mmpd instances can share a Redis server.
func NewStore(addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("account: redis connection failed: %w", err)
	}

	if prefix == "" {
		prefix = "mmpd"
	}
	return &Store{client: client, prefix: prefix}, nil
}

// NewStoreFromClient wraps an already-connected redis.Client, useful for
// tests against miniredis.
func NewStoreFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "mmpd"
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(format string, args ...interface{}) string {
	return s.prefix + ":" + fmt.Sprintf(format, args...)
}

// Account identifies a worker account by numeric ID and username.
type Account struct {
	ID       int64
	Username string
	store    *Store
}

// Lookup returns the account for username, regardless of whether it exists;
// call Exists to check.
func (s *Store) Lookup(ctx context.Context, username string) (*Account, error) {
	idStr, err := s.client.Get(ctx, s.key(keyAccountByName, username)).Result()
	if err == redis.Nil {
		return &Account{Username: username, store: s}, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, err
	}
	return &Account{ID: id, Username: username, store: s}, nil
}

// Exists reports whether the account has been created.
func (a *Account) Exists() bool {
	return a.ID != 0
}

// Create allocates a new account ID and registers the username, returning
// the new ID. It does not set any data fields (callers typically follow up
// with SetData("password", ...)).
func (a *Account) Create(ctx context.Context) (int64, error) {
	id, err := a.store.client.Incr(ctx, a.store.key(keyAccountSeq)).Result()
	if err != nil {
		return 0, err
	}
	if err := a.store.client.Set(ctx, a.store.key(keyAccountByName, a.Username), id, 0).Err(); err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// Delete removes the account's username mapping and ALL associated data
// rows. The original implementation this was ported from issued
// `DELETE ... LIMIT 1` on the backing workerdata table, which left stray
// rows behind for any account with more than one stored key; here every
// key under the account's data hash is removed in one call.
func (a *Account) Delete(ctx context.Context) error {
	pipe := a.store.client.TxPipeline()
	pipe.Del(ctx, a.store.key(keyAccountByName, a.Username))
	pipe.Del(ctx, a.store.key(keyAccountData, a.Username))
	_, err := pipe.Exec(ctx)
	return err
}

// GetData returns a single stored value for var, or ok=false if unset.
func (a *Account) GetData(ctx context.Context, varName string) (string, bool, error) {
	val, err := a.store.client.HGet(ctx, a.store.key(keyAccountData, a.Username), varName).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// GetAllData returns every stored key/value pair for the account.
func (a *Account) GetAllData(ctx context.Context) (map[string]string, error) {
	return a.store.client.HGetAll(ctx, a.store.key(keyAccountData, a.Username)).Result()
}

// SetData sets varName to value. Passing an empty value clears the key
// entirely, mirroring the original None-clears-the-var semantics.
func (a *Account) SetData(ctx context.Context, varName, value string) error {
	if value == "" {
		return a.store.client.HDel(ctx, a.store.key(keyAccountData, a.Username), varName).Err()
	}
	return a.store.client.HSet(ctx, a.store.key(keyAccountData, a.Username), varName, value).Err()
}

// GetConfig resolves varName using the account's own config_<var> override
// first, falling back to the server-wide config store.
func (a *Account) GetConfig(ctx context.Context, varName, fallback string) (string, error) {
	val, ok, err := a.GetData(ctx, "config_"+varName)
	if err != nil {
		return "", err
	}
	if ok {
		return val, nil
	}
	return a.store.GetConfig(ctx, varName, fallback)
}

// CheckPassword validates a plaintext password against the stored value.
// An empty candidate always fails. A stored value prefixed with "*" is
// treated as a lowercase SHA-1 hex digest to compare against; otherwise
// the stored value is compared verbatim.
func (a *Account) CheckPassword(ctx context.Context, candidate string) (bool, error) {
	if candidate == "" {
		return false, nil
	}
	stored, ok, err := a.GetData(ctx, "password")
	if err != nil || !ok {
		return false, err
	}
	if strings.HasPrefix(stored, "*") {
		sum := sha1.Sum([]byte(candidate))
		return strings.ToLower(stored[1:]) == hex.EncodeToString(sum[:]), nil
	}
	return stored == candidate, nil
}

// GetConfig reads a global config key, returning fallback if unset.
func (s *Store) GetConfig(ctx context.Context, varName, fallback string) (string, error) {
	val, err := s.client.HGet(ctx, s.key(keyGlobalConfig), varName).Result()
	if err == redis.Nil {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// GetAllConfig returns every global config key/value pair.
func (s *Store) GetAllConfig(ctx context.Context) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key(keyGlobalConfig)).Result()
}

// SetConfig sets a global config key. An empty value deletes the key,
// matching the delete-then-insert semantics of the original config table.
func (s *Store) SetConfig(ctx context.Context, varName, value string) error {
	if value == "" {
		return s.client.HDel(ctx, s.key(keyGlobalConfig), varName).Err()
	}
	return s.client.HSet(ctx, s.key(keyGlobalConfig), varName, value).Err()
}

// AddToBlacklist bans an IP at the account-store level, surviving restarts.
func (s *Store) AddToBlacklist(ctx context.Context, ip string) error {
	return s.client.SAdd(ctx, s.key(keyBlacklist), ip).Err()
}

// RemoveFromBlacklist un-bans an IP.
func (s *Store) RemoveFromBlacklist(ctx context.Context, ip string) error {
	return s.client.SRem(ctx, s.key(keyBlacklist), ip).Err()
}

// GetBlacklist returns every blacklisted IP.
func (s *Store) GetBlacklist(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.key(keyBlacklist)).Result()
}

// AddToWhitelist exempts an IP from banning.
func (s *Store) AddToWhitelist(ctx context.Context, ip string) error {
	return s.client.SAdd(ctx, s.key(keyWhitelist), ip).Err()
}

// RemoveFromWhitelist removes an IP's ban exemption.
func (s *Store) RemoveFromWhitelist(ctx context.Context, ip string) error {
	return s.client.SRem(ctx, s.key(keyWhitelist), ip).Err()
}

// GetWhitelist returns every whitelisted IP.
func (s *Store) GetWhitelist(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.key(keyWhitelist)).Result()
}
