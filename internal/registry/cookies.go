package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/store"
)

// UsageMode says which surface a credential may serve.
type UsageMode string

const (
	UsageWebOnly     UsageMode = "web-only"
	UsageReverseOnly UsageMode = "reverse-only"
	UsageBoth        UsageMode = "both"
)

// CookiePrefix prefixes every persisted credential key.
const CookiePrefix = "cookie-"

var ErrCookieNotFound = errors.New("registry: cookie not found")

// CookieRecord is the durable form of one upstream credential.
type CookieRecord struct {
	CookieKey      string      `json:"cookie_key"`
	CookieValue    string      `json:"cookie_value"`
	Tier           claude.Tier `json:"tier"`
	Account        string      `json:"account"`
	UsageMode      UsageMode   `json:"usage_mode"`
	OrganizationID string      `json:"organization_id,omitempty"`
}

func typeKey(cookieKey string) string         { return cookieKey + ":type" }
func accountKey(cookieKey string) string      { return cookieKey + ":account" }
func organizationKey(cookieKey string) string { return cookieKey + ":organization" }
func usageTypeKey(cookieKey string) string    { return cookieKey + ":usage_type" }

// rollUsageMode picks the default surface split for records uploaded
// without an explicit mode: one in five serves the reverse surface.
func rollUsageMode() UsageMode {
	if rand.Intn(5) == 0 {
		return UsageReverseOnly
	}
	return UsageWebOnly
}

// ServesWeb reports whether the record may serve the SSE chat surface.
func (r CookieRecord) ServesWeb() bool {
	return r.UsageMode == UsageWebOnly || r.UsageMode == UsageBoth
}

// ServesReverse reports whether the record may serve the reverse proxy surface.
func (r CookieRecord) ServesReverse() bool {
	return r.UsageMode == UsageReverseOnly || r.UsageMode == UsageBoth
}

// UploadCookie stores a new credential and returns its generated cookie key.
func (m *Manager) UploadCookie(ctx context.Context, value string, tier claude.Tier, account string) (string, error) {
	cookieKey := CookiePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := m.store.Set(ctx, cookieKey, value); err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, typeKey(cookieKey), string(tier)); err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, accountKey(cookieKey), account); err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, usageTypeKey(cookieKey), string(rollUsageMode())); err != nil {
		return "", err
	}
	return cookieKey, nil
}

// UpdateCookie rotates the session value and optionally retags the tier and
// account. The cached organization id is invalidated because a new session
// value may belong to a different organization.
func (m *Manager) UpdateCookie(ctx context.Context, cookieKey, value string, tier claude.Tier, account string) error {
	if ok, err := m.store.Exists(ctx, cookieKey); err != nil {
		return err
	} else if !ok {
		return ErrCookieNotFound
	}
	if err := m.store.Set(ctx, cookieKey, value); err != nil {
		return err
	}
	if tier != "" {
		if err := m.store.Set(ctx, typeKey(cookieKey), string(tier)); err != nil {
			return err
		}
	}
	if account != "" {
		if err := m.store.Set(ctx, accountKey(cookieKey), account); err != nil {
			return err
		}
	}
	if _, err := m.store.Del(ctx, organizationKey(cookieKey)); err != nil {
		return err
	}
	return nil
}

// SetUsageMode pins the surface split for one credential.
func (m *Manager) SetUsageMode(ctx context.Context, cookieKey string, mode UsageMode) error {
	switch mode {
	case UsageWebOnly, UsageReverseOnly, UsageBoth:
	default:
		return fmt.Errorf("registry: unknown usage mode %q", mode)
	}
	if ok, err := m.store.Exists(ctx, cookieKey); err != nil {
		return err
	} else if !ok {
		return ErrCookieNotFound
	}
	return m.store.Set(ctx, usageTypeKey(cookieKey), string(mode))
}

// DeleteCookie removes a credential and its companion entries.
func (m *Manager) DeleteCookie(ctx context.Context, cookieKey string) error {
	n, err := m.store.Del(ctx, cookieKey,
		typeKey(cookieKey), accountKey(cookieKey),
		organizationKey(cookieKey), usageTypeKey(cookieKey))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCookieNotFound
	}
	return nil
}

// GetCookie loads one record with all companion fields. Missing companions
// degrade to zero values; an unset usage mode is rolled on read so the split
// stays probabilistic for legacy records.
func (m *Manager) GetCookie(ctx context.Context, cookieKey string) (CookieRecord, error) {
	value, err := m.store.Get(ctx, cookieKey)
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			return CookieRecord{}, ErrCookieNotFound
		}
		return CookieRecord{}, err
	}
	rec := CookieRecord{CookieKey: cookieKey, CookieValue: value, Tier: claude.TierBasic}
	if tier, err := m.store.Get(ctx, typeKey(cookieKey)); err == nil {
		rec.Tier = claude.Tier(tier)
	}
	if account, err := m.store.Get(ctx, accountKey(cookieKey)); err == nil {
		rec.Account = account
	}
	if org, err := m.store.Get(ctx, organizationKey(cookieKey)); err == nil {
		rec.OrganizationID = org
	}
	if mode, err := m.store.Get(ctx, usageTypeKey(cookieKey)); err == nil && mode != "" {
		rec.UsageMode = UsageMode(mode)
	} else {
		rec.UsageMode = rollUsageMode()
	}
	return rec, nil
}

// ListCookies returns every stored credential record.
func (m *Manager) ListCookies(ctx context.Context) ([]CookieRecord, error) {
	keys, err := m.store.Scan(ctx, CookiePrefix+"*")
	if err != nil {
		return nil, err
	}
	records := make([]CookieRecord, 0, len(keys))
	for _, key := range keys {
		if strings.Contains(key, ":") {
			continue
		}
		rec, err := m.GetCookie(ctx, key)
		if err != nil {
			if errors.Is(err, ErrCookieNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// cacheOrganization persists a freshly resolved organization id.
func (m *Manager) cacheOrganization(ctx context.Context, cookieKey, orgID string) error {
	return m.store.Set(ctx, organizationKey(cookieKey), orgID)
}
