// Package apikey manages tenant keys: issuance, activation on first use,
// sliding-window usage accounting and tier-specific quota enforcement.
//
// A key is a set of Redis entries sharing the `sj-<32hex>` prefix. The root
// entry carries the TTL once the key is activated; the companions mirror it.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/store"
)

// KeyPrefix marks every tenant key in the store.
const KeyPrefix = "sj-"

var (
	// ErrKeyNotFound is returned for unknown or expired keys.
	ErrKeyNotFound = errors.New("apikey: key not found")

	// ErrKeyExpired is returned when an operation needs a live TTL but the
	// key has already lapsed.
	ErrKeyExpired = errors.New("apikey: key expired")
)

// Quota holds the tier limits enforced per sliding window.
type Quota struct {
	Window      time.Duration // sliding window length
	BasicMax    int           // requests per window, basic tier
	PlusMax     int           // requests per window, plus tier
	AbuseCutoff int           // window count that destroys the key outright
}

// Manager implements the tenant key lifecycle on a Store.
type Manager struct {
	store store.Store
	quota Quota

	now func() time.Time
}

// NewManager wires a Manager. Quota fields must be positive.
func NewManager(s store.Store, quota Quota) *Manager {
	return &Manager{store: s, quota: quota, now: time.Now}
}

// WithClock swaps the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func usageTotalKey(key string) string    { return key + ":usage_total" }
func usageWindowKey(key string) string   { return key + ":usage_window" }
func lastUsageTimeKey(key string) string { return key + ":last_usage_time" }
func typeKey(key string) string          { return key + ":type" }
func expirationKey(key string) string    { return key + ":expiration" }

// associatedKeys lists the root key and every companion entry.
func associatedKeys(key string) []string {
	return []string{
		key,
		usageTotalKey(key),
		typeKey(key),
		expirationKey(key),
		usageWindowKey(key),
		lastUsageTimeKey(key),
	}
}

// Create issues a new pre-activation key. No TTL is applied until the key is
// first validated.
func (m *Manager) Create(ctx context.Context, expirationSeconds int64, tier claude.Tier) (string, error) {
	key := KeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := m.store.Set(ctx, usageTotalKey(key), "0"); err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, typeKey(key), string(tier.Normalize())); err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, expirationKey(key), strconv.FormatInt(expirationSeconds, 10)); err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, key, "active"); err != nil {
		return "", err
	}
	return key, nil
}

// Activate applies the configured expiration on a key's first validation.
// It is idempotent: an already running TTL is reported, not restarted.
func (m *Manager) Activate(ctx context.Context, key string) (string, error) {
	valid, err := m.IsValid(ctx, key)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", ErrKeyNotFound
	}
	ttl, err := m.store.TTLSeconds(ctx, key)
	if err != nil {
		return "", err
	}
	switch {
	case ttl == store.TTLNone:
		raw, err := m.store.Get(ctx, expirationKey(key))
		if err != nil {
			return "", fmt.Errorf("apikey: read expiration for %s: %w", key, err)
		}
		expirationSeconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || expirationSeconds <= 0 {
			return "", fmt.Errorf("apikey: bad expiration %q for %s", raw, key)
		}
		if err := m.store.ExpireMany(ctx, time.Duration(expirationSeconds)*time.Second, associatedKeys(key)...); err != nil {
			return "", err
		}
		return fmt.Sprintf("key %s activated, expires in %ds", key, expirationSeconds), nil
	case ttl == store.TTLMissing:
		return "", ErrKeyExpired
	default:
		return fmt.Sprintf("key %s already active, %ds remaining", key, ttl), nil
	}
}

// IsValid reports whether the root key still exists (positive TTL or not yet
// activated).
func (m *Manager) IsValid(ctx context.Context, key string) (bool, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false, nil
	}
	return m.store.Exists(ctx, key)
}

// Tier returns the key's tier, defaulting to basic when the companion entry
// is missing.
func (m *Manager) Tier(ctx context.Context, key string) (claude.Tier, error) {
	raw, err := m.store.Get(ctx, typeKey(key))
	if errors.Is(err, store.ErrMissing) {
		return claude.TierBasic, nil
	}
	if err != nil {
		return "", err
	}
	return claude.Tier(raw).Normalize(), nil
}

// IsPlus reports whether the key may use plus credentials.
func (m *Manager) IsPlus(ctx context.Context, key string) (bool, error) {
	tier, err := m.Tier(ctx, key)
	if err != nil {
		return false, err
	}
	return tier == claude.TierPlus, nil
}

// IncrementUsage bumps the monotonic and windowed counters together.
func (m *Manager) IncrementUsage(ctx context.Context, key string, n int64) error {
	if _, err := m.store.IncrBy(ctx, usageTotalKey(key), n); err != nil {
		return err
	}
	_, err := m.store.IncrBy(ctx, usageWindowKey(key), n)
	return err
}

// UsageTotal returns the monotonic counter.
func (m *Manager) UsageTotal(ctx context.Context, key string) (int64, error) {
	return m.readCounter(ctx, usageTotalKey(key))
}

func (m *Manager) readCounter(ctx context.Context, key string) (int64, error) {
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, store.ErrMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("apikey: counter %s holds %q", key, raw)
	}
	return n, nil
}

// lastUsageTime returns the stored window anchor, initializing it to now on
// first touch.
func (m *Manager) lastUsageTime(ctx context.Context, key string) (int64, error) {
	raw, err := m.store.Get(ctx, lastUsageTimeKey(key))
	if errors.Is(err, store.ErrMissing) {
		nowEpoch := m.now().Unix()
		if err := m.store.Set(ctx, lastUsageTimeKey(key), strconv.FormatInt(nowEpoch, 10)); err != nil {
			return 0, err
		}
		return nowEpoch, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("apikey: last usage time for %s holds %q", key, raw)
	}
	return ts, nil
}

// UsageWindow reads the windowed counter, resetting it first when the
// sliding window has elapsed.
func (m *Manager) UsageWindow(ctx context.Context, key string) (int64, error) {
	current, err := m.readCounter(ctx, usageWindowKey(key))
	if err != nil {
		return 0, err
	}
	last, err := m.lastUsageTime(ctx, key)
	if err != nil {
		return 0, err
	}
	if time.Duration(m.now().Unix()-last)*time.Second >= m.quota.Window {
		if err := m.resetWindowAt(ctx, key, m.now().Unix()); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return current, nil
}

func (m *Manager) resetWindowAt(ctx context.Context, key string, epoch int64) error {
	if err := m.store.Set(ctx, usageWindowKey(key), "0"); err != nil {
		return err
	}
	return m.store.Set(ctx, lastUsageTimeKey(key), strconv.FormatInt(epoch, 10))
}

// ResetWindow zeroes the windowed counter without touching the anchor.
func (m *Manager) ResetWindow(ctx context.Context, key string) error {
	return m.store.Set(ctx, usageWindowKey(key), "0")
}

// HasExceededLimit applies the quota policy. banned means the key crossed
// the abuse cutoff and has been destroyed; exceeded means the tier window
// limit is reached and the caller should wait it out.
func (m *Manager) HasExceededLimit(ctx context.Context, key string) (exceeded, banned bool, err error) {
	window, err := m.UsageWindow(ctx, key)
	if err != nil {
		return false, false, err
	}

	// The abuse cutoff is checked before the tier limits and is destructive.
	if window >= int64(m.quota.AbuseCutoff) {
		if _, err := m.store.Del(ctx, associatedKeys(key)...); err != nil {
			return true, true, err
		}
		log.Warn().Str("key", key).Int64("window", window).Msg("tenant key deleted at abuse cutoff")
		return true, true, nil
	}

	limit, err := m.windowLimit(ctx, key)
	if err != nil {
		return false, false, err
	}
	if window < limit {
		return false, false, nil
	}

	last, err := m.lastUsageTime(ctx, key)
	if err != nil {
		return false, false, err
	}
	if time.Duration(m.now().Unix()-last)*time.Second < m.quota.Window {
		return true, false, nil
	}
	// Window elapsed between the counter read and the limit check.
	if err := m.resetWindowAt(ctx, key, m.now().Unix()); err != nil {
		return false, false, err
	}
	return false, false, nil
}

func (m *Manager) windowLimit(ctx context.Context, key string) (int64, error) {
	tier, err := m.Tier(ctx, key)
	if err != nil {
		return 0, err
	}
	if tier == claude.TierPlus {
		return int64(m.quota.PlusMax), nil
	}
	return int64(m.quota.BasicMax), nil
}

// GenerateExceedMessage composes the user-visible quota refusal, naming the
// tier, the limit and the next eligible wall-clock time.
func (m *Manager) GenerateExceedMessage(ctx context.Context, key string) string {
	tier, err := m.Tier(ctx, key)
	if err != nil {
		tier = claude.TierBasic
	}
	limit := int64(m.quota.BasicMax)
	if tier == claude.TierPlus {
		limit = int64(m.quota.PlusMax)
	}
	last, err := m.lastUsageTime(ctx, key)
	if err != nil {
		last = m.now().Unix()
	}
	wait := m.quota.Window - time.Duration(m.now().Unix()-last)*time.Second
	if wait < 0 {
		wait = 0
	}
	next := m.now().Add(wait)
	return fmt.Sprintf(
		"Your key is %s tier and limited to %d requests per %.0f hours. You can chat again after %s.",
		tier, limit, m.quota.Window.Hours(), next.Format("15:04:05"),
	)
}

// ExtendExpiration adds days to the key's TTL, covering every companion
// entry. A never-activated key gets the extension as its whole TTL; an
// expired key cannot be extended.
func (m *Manager) ExtendExpiration(ctx context.Context, key string, days float64) error {
	valid, err := m.IsValid(ctx, key)
	if err != nil {
		return err
	}
	if !valid {
		return ErrKeyNotFound
	}
	additional := int64(days * 24 * 60 * 60)
	ttl, err := m.store.TTLSeconds(ctx, key)
	if err != nil {
		return err
	}
	var newTTL int64
	switch {
	case ttl == store.TTLNone:
		newTTL = additional
	case ttl > 0:
		newTTL = ttl + additional
	default:
		return ErrKeyExpired
	}
	return m.store.ExpireMany(ctx, time.Duration(newTTL)*time.Second, associatedKeys(key)...)
}

// Delete removes the key and every companion entry.
func (m *Manager) Delete(ctx context.Context, key string) (int64, error) {
	return m.store.Del(ctx, associatedKeys(key)...)
}

// BatchDelete removes several keys in one round trip.
func (m *Manager) BatchDelete(ctx context.Context, keys []string) (int64, error) {
	var all []string
	for _, key := range keys {
		all = append(all, associatedKeys(key)...)
	}
	return m.store.Del(ctx, all...)
}

// ListActive scans for keys whose TTL is running.
func (m *Manager) ListActive(ctx context.Context) ([]string, error) {
	keys, err := m.store.Scan(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	var active []string
	for _, key := range keys {
		if strings.Contains(key, ":") {
			continue
		}
		ttl, err := m.store.TTLSeconds(ctx, key)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			active = append(active, key)
		}
	}
	return active, nil
}
