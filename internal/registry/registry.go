package registry

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/status"
	"github.com/revgate/claude-gateway/internal/store"
)

// ErrNoClient is returned when no live client exists at a requested index.
var ErrNoClient = errors.New("registry: no client at index")

// Options tunes registry construction and organization resolution.
type Options struct {
	// Seed is mixed into the credential index hash. Changing it remaps
	// every index, so it must stay constant across restarts.
	Seed string

	ResolveRetries int
	ResolveWait    time.Duration

	// Client carries the HTTP options handed to every session client.
	Client claude.Options
}

func (o *Options) applyDefaults() {
	if o.Seed == "" {
		o.Seed = "rev-claude"
	}
	if o.ResolveRetries == 0 {
		o.ResolveRetries = 3
	}
	if o.ResolveWait == 0 {
		o.ResolveWait = 3 * time.Second
	}
}

// ClientInfo joins a live client with its durable record and current status.
type ClientInfo struct {
	CookieKey string      `json:"cookie_key"`
	Account   string      `json:"account"`
	Index     int         `json:"index"`
	Tier      claude.Tier `json:"tier"`
	UsageMode UsageMode   `json:"usage_mode"`
	Status    string      `json:"status"`
	Detail    string      `json:"detail"`
}

// Manager owns the live set of session clients. Durable cookie records live
// in the store; live handles are rebuilt by Load and swapped atomically.
type Manager struct {
	store  store.Store
	status *status.Manager
	opts   Options

	mu     sync.RWMutex
	basic  map[int]*claude.Client
	plus   map[int]*claude.Client
	loaded bool
}

func NewManager(s store.Store, st *status.Manager, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		store:  s,
		status: st,
		opts:   opts,
		basic:  map[int]*claude.Client{},
		plus:   map[int]*claude.Client{},
	}
}

var indexModulus = big.NewInt(1_000_000)

// Index derives the stable credential index from a cookie key. The full
// digest is reduced so the index only depends on the key and the seed.
func (m *Manager) Index(cookieKey string) int {
	sum := sha256.Sum256([]byte(cookieKey + m.opts.Seed))
	n := new(big.Int).SetBytes(sum[:])
	return int(n.Mod(n, indexModulus).Int64())
}

// Load builds the live client maps from the stored cookie records. With
// reload false a second call is a no-op; with true the maps are rebuilt and
// swapped in one step so readers never observe a partial set.
func (m *Manager) Load(ctx context.Context, reload bool) error {
	m.mu.RLock()
	already := m.loaded
	m.mu.RUnlock()
	if already && !reload {
		return nil
	}

	records, err := m.ListCookies(ctx)
	if err != nil {
		return err
	}

	basic := map[int]*claude.Client{}
	plus := map[int]*claude.Client{}
	for _, rec := range records {
		client, err := m.buildClient(ctx, rec)
		if err != nil {
			log.Warn().Err(err).Str("cookie_key", rec.CookieKey).
				Str("tier", string(rec.Tier)).Msg("skipping unusable credential")
			continue
		}
		idx := m.Index(rec.CookieKey)
		target := basic
		if rec.Tier.Normalize() == claude.TierPlus {
			target = plus
		}
		if _, dup := target[idx]; dup {
			log.Warn().Int("idx", idx).Str("cookie_key", rec.CookieKey).
				Msg("credential index collision, overwriting")
		}
		target[idx] = client
	}

	m.mu.Lock()
	m.basic, m.plus = basic, plus
	m.loaded = true
	m.mu.Unlock()
	log.Info().Int("basic", len(basic)).Int("plus", len(plus)).Msg("credential registry loaded")
	return nil
}

// buildClient constructs a session client, resolving the organization id
// when no cached one exists.
func (m *Manager) buildClient(ctx context.Context, rec CookieRecord) (*claude.Client, error) {
	client := claude.NewClient(rec.CookieKey, rec.CookieValue, rec.Tier.Normalize(), m.status, m.opts.Client)
	if rec.OrganizationID != "" {
		client.SetOrganizationID(rec.OrganizationID)
		return client, nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.ResolveRetries; attempt++ {
		orgID, err := client.ResolveOrganization(ctx)
		if err == nil {
			if err := m.cacheOrganization(ctx, rec.CookieKey, orgID); err != nil {
				log.Error().Err(err).Str("cookie_key", rec.CookieKey).Msg("organization cache write failed")
			}
			return client, nil
		}
		lastErr = err
		if errors.Is(err, claude.ErrUnserviceable) {
			break
		}
		if attempt < m.opts.ResolveRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.opts.ResolveWait):
			}
		}
	}
	return nil, lastErr
}

// Clients returns the current maps. Callers must not hold handles across a
// reload.
func (m *Manager) Clients() (basic, plus map[int]*claude.Client) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.basic, m.plus
}

// Client resolves a single live client by tier and index.
func (m *Manager) Client(tier claude.Tier, idx int) (*claude.Client, error) {
	basic, plus := m.Clients()
	pool := basic
	if tier.Normalize() == claude.TierPlus {
		pool = plus
	}
	client, ok := pool[idx]
	if !ok {
		return nil, ErrNoClient
	}
	return client, nil
}

// RetrieveClientsInformation joins each live client with its stored record
// and composed status. Credentials pinned to the reverse surface are left
// out because this listing feeds the chat surface.
func (m *Manager) RetrieveClientsInformation(ctx context.Context) (basicInfo, plusInfo []ClientInfo, err error) {
	basic, plus := m.Clients()
	basicInfo, err = m.describePool(ctx, claude.TierBasic, basic)
	if err != nil {
		return nil, nil, err
	}
	plusInfo, err = m.describePool(ctx, claude.TierPlus, plus)
	if err != nil {
		return nil, nil, err
	}
	return basicInfo, plusInfo, nil
}

func (m *Manager) describePool(ctx context.Context, tier claude.Tier, pool map[int]*claude.Client) ([]ClientInfo, error) {
	infos := make([]ClientInfo, 0, len(pool))
	for idx, client := range pool {
		rec, err := m.GetCookie(ctx, client.CookieKey())
		if err != nil {
			if errors.Is(err, ErrCookieNotFound) {
				continue
			}
			return nil, err
		}
		if !rec.ServesWeb() {
			continue
		}
		if err := m.status.EnsureExists(ctx, tier, idx); err != nil {
			return nil, err
		}
		if _, err := m.status.TryReactivate(ctx, tier, idx); err != nil {
			return nil, err
		}
		state, detail, err := m.status.Describe(ctx, tier, idx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, ClientInfo{
			CookieKey: rec.CookieKey,
			Account:   rec.Account,
			Index:     idx,
			Tier:      tier,
			UsageMode: rec.UsageMode,
			Status:    string(state),
			Detail:    detail,
		})
	}
	return infos, nil
}
