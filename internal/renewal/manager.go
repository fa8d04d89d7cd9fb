// Package renewal implements single-use codes that extend a tenant key's
// expiration. A code is marked used before the extension is applied so two
// concurrent redeems can never both succeed; if the extension itself fails
// the code stays consumed and operators replay the extension manually.
package renewal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/revgate/claude-gateway/internal/apikey"
	"github.com/revgate/claude-gateway/internal/store"
)

// Status of a renewal code.
type Status string

const (
	StatusUnused Status = "unused"
	StatusUsed   Status = "used"
)

var (
	// ErrInvalidCode is returned for unknown codes.
	ErrInvalidCode = errors.New("renewal: invalid code")

	// ErrCodeUsed is returned when the code has already been consumed.
	ErrCodeUsed = errors.New("renewal: code already used")
)

// Code is the persisted form of a renewal code.
type Code struct {
	Code      string     `json:"code"`
	Status    Status     `json:"status"`
	Days      int        `json:"days"`
	Hours     int        `json:"hours"`
	Minutes   int        `json:"minutes"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
}

// TotalMinutes is the extension the code grants.
func (c *Code) TotalMinutes() int {
	return c.Days*24*60 + c.Hours*60 + c.Minutes
}

// Manager creates and redeems renewal codes.
type Manager struct {
	store store.Store
	keys  *apikey.Manager

	now func() time.Time
}

// NewManager wires a Manager against the shared store and key manager.
func NewManager(s store.Store, keys *apikey.Manager) *Manager {
	return &Manager{store: s, keys: keys, now: time.Now}
}

// WithClock swaps the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func storageKey(code string) string { return "renewal:" + code }

// Create mints count codes extending a key by days/hours/minutes each.
// Excess minutes and hours are folded upward so the code name always shows
// the normalized duration.
func (m *Manager) Create(ctx context.Context, days, hours, minutes, count int) ([]string, error) {
	if days == 0 && hours == 0 && minutes == 0 {
		return nil, fmt.Errorf("renewal: duration must be greater than zero")
	}
	if count < 1 {
		return nil, fmt.Errorf("renewal: count must be at least 1")
	}

	extraHours, finalMinutes := minutes/60, minutes%60
	hours += extraHours
	extraDays, finalHours := hours/24, hours%24
	finalDays := days + extraDays

	created := m.now()
	datePart := created.Format("0102")

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		random := uuid.NewString()[:6]
		name := fmt.Sprintf("rnw-%d_%d_%d-%s-%s", finalDays, finalHours, finalMinutes, datePart, random)
		code := Code{
			Code:      name,
			Status:    StatusUnused,
			Days:      finalDays,
			Hours:     finalHours,
			Minutes:   finalMinutes,
			CreatedAt: created,
		}
		raw, err := json.Marshal(code)
		if err != nil {
			return nil, err
		}
		if err := m.store.Set(ctx, storageKey(name), string(raw)); err != nil {
			return nil, err
		}
		codes = append(codes, name)
	}
	return codes, nil
}

// Get loads a code, or ErrInvalidCode.
func (m *Manager) Get(ctx context.Context, code string) (*Code, error) {
	raw, err := m.store.Get(ctx, storageKey(code))
	if errors.Is(err, store.ErrMissing) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	var out Code
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("renewal: decode %s: %w", code, err)
	}
	return &out, nil
}

// IsValid reports whether the code exists and is unused.
func (m *Manager) IsValid(ctx context.Context, code string) (bool, error) {
	c, err := m.Get(ctx, code)
	if errors.Is(err, ErrInvalidCode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Status == StatusUnused, nil
}

// markUsed stamps the code as consumed by key.
func (m *Manager) markUsed(ctx context.Context, c *Code, key string) error {
	used := m.now()
	c.Status = StatusUsed
	c.UsedAt = &used
	c.UsedBy = key
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, storageKey(c.Code), string(raw))
}

// Use redeems a code against a tenant key. The mark-used write precedes the
// extension; a failed extension leaves the code consumed.
func (m *Manager) Use(ctx context.Context, code, key string) error {
	c, err := m.Get(ctx, code)
	if err != nil {
		return err
	}
	if c.Status != StatusUnused {
		return ErrCodeUsed
	}
	if c.TotalMinutes() <= 0 {
		return ErrInvalidCode
	}
	if err := m.markUsed(ctx, c, key); err != nil {
		return err
	}
	days := float64(c.TotalMinutes()) / (24 * 60)
	if err := m.keys.ExtendExpiration(ctx, key, days); err != nil {
		log.Error().Err(err).Str("code", code).Str("key", key).
			Msg("renewal code consumed but extension failed")
		return err
	}
	return nil
}

// Delete removes a code outright. Admin-side only.
func (m *Manager) Delete(ctx context.Context, code string) error {
	_, err := m.store.Del(ctx, storageKey(code))
	return err
}

// List returns every stored code.
func (m *Manager) List(ctx context.Context) ([]*Code, error) {
	keys, err := m.store.Scan(ctx, "renewal:rnw-*")
	if err != nil {
		return nil, err
	}
	codes := make([]*Code, 0, len(keys))
	for _, k := range keys {
		c, err := m.Get(ctx, k[len("renewal:"):])
		if err != nil {
			continue
		}
		codes = append(codes, c)
	}
	return codes, nil
}
