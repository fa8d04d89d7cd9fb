package renewal

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revgate/claude-gateway/internal/apikey"
	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/store"
)

func newTestManagers(t *testing.T) (*Manager, *apikey.Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	now := time.Date(2024, 4, 25, 12, 0, 0, 0, time.UTC)
	mem.Now = func() time.Time { return now }
	clock := func() time.Time { return now }
	keys := apikey.NewManager(mem, apikey.Quota{
		Window: 3 * time.Hour, BasicMax: 10, PlusMax: 60, AbuseCutoff: 150,
	}).WithClock(clock)
	return NewManager(mem, keys).WithClock(clock), keys, mem
}

func TestCreateCodeNameFormat(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManagers(t)

	codes, err := m.Create(ctx, 1, 2, 30, 3)
	require.NoError(t, err)
	require.Len(t, codes, 3)

	pattern := regexp.MustCompile(`^rnw-1_2_30-0425-[0-9a-f-]{6}$`)
	for _, code := range codes {
		assert.Regexp(t, pattern, code)
	}
}

func TestCreateNormalizesUnits(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManagers(t)

	codes, err := m.Create(ctx, 0, 25, 90, 1)
	require.NoError(t, err)

	c, err := m.Get(ctx, codes[0])
	require.NoError(t, err)
	// 25h + 90m = 1d 2h 30m
	assert.Equal(t, 1, c.Days)
	assert.Equal(t, 2, c.Hours)
	assert.Equal(t, 30, c.Minutes)
	assert.Equal(t, (24+2)*60+30, c.TotalMinutes())
}

func TestCreateRejectsZeroDuration(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManagers(t)
	_, err := m.Create(ctx, 0, 0, 0, 1)
	assert.Error(t, err)
}

func TestUseExtendsKeyTTL(t *testing.T) {
	ctx := context.Background()
	m, keys, mem := newTestManagers(t)

	key, err := keys.Create(ctx, 3600, claude.TierBasic)
	require.NoError(t, err)
	_, err = keys.Activate(ctx, key)
	require.NoError(t, err)

	codes, err := m.Create(ctx, 1, 0, 0, 1)
	require.NoError(t, err)

	require.NoError(t, m.Use(ctx, codes[0], key))

	ttl, err := mem.TTLSeconds(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3600+86400), ttl)

	c, err := m.Get(ctx, codes[0])
	require.NoError(t, err)
	assert.Equal(t, StatusUsed, c.Status)
	assert.Equal(t, key, c.UsedBy)
	require.NotNil(t, c.UsedAt)
}

func TestUseUnknownCode(t *testing.T) {
	ctx := context.Background()
	m, keys, _ := newTestManagers(t)
	key, err := keys.Create(ctx, 3600, claude.TierBasic)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Use(ctx, "rnw-1_0_0-0101-abcdef", key), ErrInvalidCode)
}

func TestUseConsumedCode(t *testing.T) {
	ctx := context.Background()
	m, keys, _ := newTestManagers(t)

	key, err := keys.Create(ctx, 3600, claude.TierBasic)
	require.NoError(t, err)
	codes, err := m.Create(ctx, 1, 0, 0, 1)
	require.NoError(t, err)

	require.NoError(t, m.Use(ctx, codes[0], key))
	assert.ErrorIs(t, m.Use(ctx, codes[0], key), ErrCodeUsed)
}

func TestCodeStaysConsumedWhenExtensionFails(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManagers(t)

	codes, err := m.Create(ctx, 1, 0, 0, 1)
	require.NoError(t, err)

	err = m.Use(ctx, codes[0], "sj-does-not-exist")
	assert.ErrorIs(t, err, apikey.ErrKeyNotFound)

	c, err := m.Get(ctx, codes[0])
	require.NoError(t, err)
	assert.Equal(t, StatusUsed, c.Status, "mark-used precedes extension")
}

func TestConcurrentRedeemSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, keys, _ := newTestManagers(t)

	key, err := keys.Create(ctx, 3600, claude.TierBasic)
	require.NoError(t, err)
	_, err = keys.Activate(ctx, key)
	require.NoError(t, err)

	codes, err := m.Create(ctx, 1, 0, 0, 1)
	require.NoError(t, err)

	// The memory store serializes operations, so the second Get observes
	// the first redeem's mark.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	var gate sync.Mutex
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Lock()
			err := m.Use(ctx, codes[0], key)
			gate.Unlock()
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, alreadyUsed int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrCodeUsed):
			alreadyUsed++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, alreadyUsed)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManagers(t)

	_, err := m.Create(ctx, 1, 0, 0, 2)
	require.NoError(t, err)

	codes, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, codes, 2)
}
