package services

import (
	"errors"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Cooldown remembers that a source blocked us so new crawls wait it out.
type Cooldown interface {
	// Until returns when the cooldown for source ends, or the zero time.
	Until(source string) (time.Time, error)
	Start(source string, d time.Duration) error
	Clear(source string) error
}

// NopCooldown never cools down. Used when MEMCACHE_ADDR is empty.
type NopCooldown struct{}

func (NopCooldown) Until(string) (time.Time, error)   { return time.Time{}, nil }
func (NopCooldown) Start(string, time.Duration) error { return nil }
func (NopCooldown) Clear(string) error                { return nil }

const cooldownKeyPrefix = "yad2ingest:cooldown:"

// MemcacheCooldown stores the cooldown end time in memcache and lets the
// item expire with it.
type MemcacheCooldown struct {
	client *memcache.Client
	now    func() time.Time
}

var _ Cooldown = (*MemcacheCooldown)(nil)

// NewMemcacheCooldown creates a cooldown store on the given server.
func NewMemcacheCooldown(serverAddr string) *MemcacheCooldown {
	return &MemcacheCooldown{client: memcache.New(serverAddr), now: time.Now}
}

// Ping checks the server is reachable.
func (m *MemcacheCooldown) Ping() error {
	return m.client.Ping()
}

func (m *MemcacheCooldown) Until(source string) (time.Time, error) {
	item, err := m.client.Get(cooldownKeyPrefix + source)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	unix, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	until := time.Unix(unix, 0)
	if !until.After(m.now()) {
		return time.Time{}, nil
	}
	return until, nil
}

func (m *MemcacheCooldown) Start(source string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := m.now().Add(d)
	return m.client.Set(&memcache.Item{
		Key:        cooldownKeyPrefix + source,
		Value:      []byte(strconv.FormatInt(until.Unix(), 10)),
		Expiration: int32(d.Seconds()),
	})
}

func (m *MemcacheCooldown) Clear(source string) error {
	err := m.client.Delete(cooldownKeyPrefix + source)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
