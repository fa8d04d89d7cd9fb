// Package status tracks per-credential serviceability. Each (tier, index)
// pair owns a status value, a per-model cooldown map and a usage counter.
// There is no periodic tick: cooldown expiry is computed lazily whenever the
// credential is read, so the state machine survives restarts for free.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/store"
)

// ClientStatus is the state of one credential.
type ClientStatus string

const (
	StatusActive ClientStatus = "active" // may serve requests
	StatusCD     ClientStatus = "cd"     // at least one model cooling down
	StatusError  ClientStatus = "error"  // unusable until operator action
)

// Manager drives the per-credential state machine on a Store.
type Manager struct {
	store    store.Store
	cooldown time.Duration

	now func() time.Time
}

// NewManager wires a Manager with the configured cooldown length.
func NewManager(s store.Store, cooldown time.Duration) *Manager {
	return &Manager{store: s, cooldown: cooldown, now: time.Now}
}

// WithClock swaps the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func statusKey(tier claude.Tier, idx int) string {
	return fmt.Sprintf("status-%s-%d", tier, idx)
}

func startTimeKey(tier claude.Tier, idx int) string {
	return statusKey(tier, idx) + ":start_time"
}

func usageKey(tier claude.Tier, idx int) string {
	return fmt.Sprintf("usage-%s-%d", tier, idx)
}

// EnsureExists initializes the status entry when either the status value or
// the cooldown map is absent.
func (m *Manager) EnsureExists(ctx context.Context, tier claude.Tier, idx int) error {
	statusExists, err := m.store.Exists(ctx, statusKey(tier, idx))
	if err != nil {
		return err
	}
	startExists, err := m.store.Exists(ctx, startTimeKey(tier, idx))
	if err != nil {
		return err
	}
	if statusExists && startExists {
		return nil
	}
	starts := make(map[string]int64)
	for _, model := range claude.TierModels(string(tier)) {
		starts[string(model)] = m.now().Unix()
	}
	if err := m.writeStarts(ctx, tier, idx, starts); err != nil {
		return err
	}
	if err := m.store.Set(ctx, statusKey(tier, idx), string(StatusActive)); err != nil {
		return err
	}
	return m.store.Set(ctx, usageKey(tier, idx), "0")
}

func (m *Manager) readStatus(ctx context.Context, tier claude.Tier, idx int) (ClientStatus, error) {
	raw, err := m.store.Get(ctx, statusKey(tier, idx))
	if errors.Is(err, store.ErrMissing) {
		return StatusActive, nil
	}
	if err != nil {
		return "", err
	}
	return ClientStatus(raw), nil
}

func (m *Manager) readStarts(ctx context.Context, tier claude.Tier, idx int) (map[string]int64, error) {
	raw, err := m.store.Get(ctx, startTimeKey(tier, idx))
	if errors.Is(err, store.ErrMissing) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	starts := make(map[string]int64)
	if err := json.Unmarshal([]byte(raw), &starts); err != nil {
		// Older deployments stored a bare epoch instead of a map; fold it
		// onto every tracked model.
		epoch, convErr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if convErr != nil {
			return nil, fmt.Errorf("status: decode start times for %s-%d: %w", tier, idx, err)
		}
		for _, model := range claude.TierModels(string(tier)) {
			starts[string(model)] = int64(epoch)
		}
	}
	return starts, nil
}

func (m *Manager) writeStarts(ctx context.Context, tier claude.Tier, idx int, starts map[string]int64) error {
	raw, err := json.Marshal(starts)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, startTimeKey(tier, idx), string(raw))
}

// SetLimited records an upstream cooldown for one model and moves the
// credential to cd. An already cooling credential only gets its map updated.
func (m *Manager) SetLimited(ctx context.Context, tier claude.Tier, idx int, startEpoch int64, model claude.Model) error {
	starts, err := m.readStarts(ctx, tier, idx)
	if err != nil {
		return err
	}
	starts[string(model)] = startEpoch
	if err := m.writeStarts(ctx, tier, idx, starts); err != nil {
		return err
	}
	current, err := m.readStatus(ctx, tier, idx)
	if err != nil {
		return err
	}
	if current == StatusCD {
		return nil
	}
	log.Warn().Str("tier", string(tier)).Int("idx", idx).Str("model", string(model)).
		Int64("start", startEpoch).Msg("credential cooling down")
	return m.store.Set(ctx, statusKey(tier, idx), string(StatusCD))
}

// SetError marks the credential permanently unusable.
func (m *Manager) SetError(ctx context.Context, tier claude.Tier, idx int) error {
	return m.store.Set(ctx, statusKey(tier, idx), string(StatusError))
}

// SetActive marks the credential serviceable and zeroes its usage counter.
func (m *Manager) SetActive(ctx context.Context, tier claude.Tier, idx int) error {
	if err := m.store.Set(ctx, statusKey(tier, idx), string(StatusActive)); err != nil {
		return err
	}
	return m.store.Set(ctx, usageKey(tier, idx), "0")
}

// IncrementUsage bumps the credential's usage counter.
func (m *Manager) IncrementUsage(ctx context.Context, tier claude.Tier, idx int) error {
	_, err := m.store.IncrBy(ctx, usageKey(tier, idx), 1)
	return err
}

// TryReactivate returns true when the credential may serve. A cooling
// credential flips back to active only once every model's cooldown has
// fully elapsed; an errored credential never self-heals.
func (m *Manager) TryReactivate(ctx context.Context, tier claude.Tier, idx int) (bool, error) {
	current, err := m.readStatus(ctx, tier, idx)
	if err != nil {
		return false, err
	}
	switch current {
	case StatusActive:
		return true, nil
	case StatusError:
		return false, nil
	}
	starts, err := m.readStarts(ctx, tier, idx)
	if err != nil {
		return false, err
	}
	nowEpoch := m.now().Unix()
	for _, start := range starts {
		if time.Duration(nowEpoch-start)*time.Second <= m.cooldown {
			return false, nil
		}
	}
	if err := m.SetActive(ctx, tier, idx); err != nil {
		return false, err
	}
	return true, nil
}

// Describe renders the credential's state for status listings. The message
// names each tracked model with its remaining wait, or "available" when no
// model is cooling.
func (m *Manager) Describe(ctx context.Context, tier claude.Tier, idx int) (ClientStatus, string, error) {
	if err := m.EnsureExists(ctx, tier, idx); err != nil {
		return "", "", err
	}
	active, err := m.TryReactivate(ctx, tier, idx)
	if err != nil {
		return "", "", err
	}
	current, err := m.readStatus(ctx, tier, idx)
	if err != nil {
		return "", "", err
	}
	if current == StatusError {
		return StatusError, "account unavailable", nil
	}
	if active {
		return StatusActive, "available", nil
	}

	starts, err := m.readStarts(ctx, tier, idx)
	if err != nil {
		return "", "", err
	}
	nowEpoch := m.now().Unix()
	var parts []string
	allAvailable := true
	for _, model := range claude.TierModels(string(tier)) {
		start, tracked := starts[string(model)]
		remaining := int64(0)
		if tracked {
			remaining = start + int64(m.cooldown/time.Second) - nowEpoch
		}
		if remaining > 0 {
			allAvailable = false
			parts = append(parts, fmt.Sprintf("%s:needs %ds.", model, remaining))
		} else {
			parts = append(parts, fmt.Sprintf("%s:available.", model))
		}
	}
	if allAvailable {
		return StatusActive, "available", nil
	}
	return StatusCD, strings.Join(parts, " "), nil
}
