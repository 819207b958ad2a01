package genquota_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gq "github.com/ineyio/genquota"
	"github.com/ineyio/genquota/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// clock is a settable time source safe for concurrent use.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() gq.Config {
	cfg := gq.DefaultConfig()
	cfg.Timezone = "UTC"
	return cfg
}

func newTestCounter(t *testing.T, store gq.Store, now func() time.Time, opts ...gq.Option) *gq.Counter {
	t.Helper()
	opts = append([]gq.Option{gq.WithClock(now)}, opts...)
	c, err := gq.NewCounter(testConfig(), store, opts...)
	require.NoError(t, err)
	return c
}

func fixed(t time.Time) func() time.Time { return func() time.Time { return t } }

func loadRecord(t *testing.T, s gq.Store) (gq.Record, bool) {
	t.Helper()
	rec, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	return rec, ok
}

type failingStore struct{ err error }

func (s failingStore) Apply(context.Context, gq.ApplyFunc) error { return s.err }
func (s failingStore) Load(context.Context) (gq.Record, bool, error) {
	return gq.Record{}, false, s.err
}

type recordingMeter struct {
	mu       sync.Mutex
	consumes []gq.ConsumeEvent
	gens     []gq.GenerateEvent
}

func (m *recordingMeter) OnConsume(e gq.ConsumeEvent) {
	m.mu.Lock()
	m.consumes = append(m.consumes, e)
	m.mu.Unlock()
}

func (m *recordingMeter) OnGenerate(e gq.GenerateEvent) {
	m.mu.Lock()
	m.gens = append(m.gens, e)
	m.mu.Unlock()
}

// First consume on an absent record starts a period.
func TestTryConsume_AbsentRecordStartsPeriod(t *testing.T) {
	store := quota.NewMemoryStore()
	c := newTestCounter(t, store, fixed(testNow))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, grant.ID)
	assert.True(t, grant.Reset)
	assert.Equal(t, int64(99), grant.Remaining)

	wantReset := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)
	assert.True(t, wantReset.Equal(grant.ResetsAt), "got %v", grant.ResetsAt)

	rec, ok := loadRecord(t, store)
	require.True(t, ok)
	assert.Equal(t, int64(99), rec.Count)
	assert.True(t, wantReset.Equal(rec.ResetsAt))
}

// An expired period is reset to LIMIT-1 with the next boundary.
func TestTryConsume_ExpiredRecordResets(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Set(gq.Record{Count: 0, ResetsAt: testNow.Add(-time.Hour)})
	c := newTestCounter(t, store, fixed(testNow))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.True(t, grant.Reset)

	rec, _ := loadRecord(t, store)
	assert.Equal(t, int64(99), rec.Count)
	assert.True(t, rec.ResetsAt.After(testNow))
	assert.True(t, time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC).Equal(rec.ResetsAt))
}

func TestTryConsume_ResetsAtEqualToNowIsExpired(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Set(gq.Record{Count: 0, ResetsAt: testNow})
	c := newTestCounter(t, store, fixed(testNow))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.True(t, grant.Reset)
	assert.Equal(t, int64(99), grant.Remaining)
}

// A single consume decrements by exactly one and keeps the boundary.
func TestTryConsume_DecrementsByOne(t *testing.T) {
	store := quota.NewMemoryStore()
	resetsAt := testNow.Add(time.Hour)
	store.Set(gq.Record{Count: 50, ResetsAt: resetsAt})
	c := newTestCounter(t, store, fixed(testNow))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.False(t, grant.Reset)
	assert.Equal(t, int64(49), grant.Remaining)

	rec, _ := loadRecord(t, store)
	assert.Equal(t, int64(49), rec.Count)
	assert.True(t, resetsAt.Equal(rec.ResetsAt))
}

// Exhausted quota reports hours and minutes.
func TestTryConsume_ExhaustedHoursAndMinutes(t *testing.T) {
	store := quota.NewMemoryStore()
	before := gq.Record{Count: 0, ResetsAt: testNow.Add(2*time.Hour + 10*time.Minute)}
	store.Set(before)
	c := newTestCounter(t, store, fixed(testNow))

	_, err := c.TryConsume(context.Background())
	require.Error(t, err)
	assert.True(t, gq.IsExhausted(err))
	assert.False(t, gq.IsUnavailable(err))
	assert.ErrorIs(t, err, gq.ErrQuotaExhausted)

	var exhausted *gq.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Message(), "2h")
	assert.Contains(t, exhausted.Message(), "10m")
	assert.Equal(t, 2*time.Hour+10*time.Minute, exhausted.Wait)

	after, _ := loadRecord(t, store)
	assert.Equal(t, before, after)
}

// Under a minute left uses the fallback message.
func TestTryConsume_ExhaustedUnderAMinute(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Set(gq.Record{Count: 0, ResetsAt: testNow.Add(30 * time.Second)})
	c := newTestCounter(t, store, fixed(testNow))

	_, err := c.TryConsume(context.Background())
	var exhausted *gq.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Message(), "check back in a moment")
	assert.NotContains(t, exhausted.Message(), "h ")
	assert.NotContains(t, exhausted.Message(), "m.")
}

// 10 concurrent consumers race for 5 units.
func TestTryConsume_ConcurrentNoDoubleDecrement(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Set(gq.Record{Count: 5, ResetsAt: testNow.Add(time.Hour)})
	c := newTestCounter(t, store, fixed(testNow))

	var (
		wg        sync.WaitGroup
		granted   atomic.Int64
		exhausted atomic.Int64
		other     atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.TryConsume(context.Background())
			switch {
			case err == nil:
				granted.Add(1)
			case gq.IsExhausted(err):
				exhausted.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), granted.Load())
	assert.Equal(t, int64(5), exhausted.Load())
	assert.Zero(t, other.Load())

	rec, _ := loadRecord(t, store)
	assert.Equal(t, int64(0), rec.Count)
}

// A whole period's worth of concurrent consumers from an absent record.
func TestTryConsume_ConcurrentFullPeriod(t *testing.T) {
	store := quota.NewMemoryStore()
	c := newTestCounter(t, store, fixed(testNow))

	const n = 130
	var (
		wg      sync.WaitGroup
		granted atomic.Int64
		resets  atomic.Int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := c.TryConsume(context.Background())
			if err == nil {
				granted.Add(1)
				if g.Reset {
					resets.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, c.Limit(), granted.Load())
	assert.Equal(t, int64(1), resets.Load())

	rec, _ := loadRecord(t, store)
	assert.Equal(t, int64(0), rec.Count)
}

func TestTryConsume_MalformedRecordIsReset(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Set(gq.Record{Count: 7})
	c := newTestCounter(t, store, fixed(testNow))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.True(t, grant.Reset)
	assert.Equal(t, int64(99), grant.Remaining)
}

func TestTryConsume_ClampsOutOfRangeCounts(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Set(gq.Record{Count: 500, ResetsAt: testNow.Add(time.Hour)})
	c := newTestCounter(t, store, fixed(testNow))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(99), grant.Remaining)

	store.Set(gq.Record{Count: -3, ResetsAt: testNow.Add(time.Hour)})
	_, err = c.TryConsume(context.Background())
	assert.True(t, gq.IsExhausted(err))
}

func TestReadState_ClampsOutOfRangeCounts(t *testing.T) {
	store := quota.NewMemoryStore()
	c := newTestCounter(t, store, fixed(testNow))

	store.Set(gq.Record{Count: 500, ResetsAt: testNow.Add(time.Hour)})
	st, err := c.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.Remaining)
	assert.False(t, st.Estimated)

	store.Set(gq.Record{Count: -3, ResetsAt: testNow.Add(time.Hour)})
	st, err = c.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Remaining)
}

func TestTryConsume_StoreFailureIsUnavailable(t *testing.T) {
	backendErr := errors.New("connection refused")
	c := newTestCounter(t, failingStore{err: backendErr}, fixed(testNow))

	_, err := c.TryConsume(context.Background())
	require.Error(t, err)
	assert.True(t, gq.IsUnavailable(err))
	assert.False(t, gq.IsExhausted(err))
	assert.ErrorIs(t, err, backendErr)

	var storeErr *gq.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "consume", storeErr.Op)
}

func TestTryConsume_CanceledContext(t *testing.T) {
	store := quota.NewMemoryStore()
	c := newTestCounter(t, store, fixed(testNow))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.TryConsume(ctx)
	assert.True(t, gq.IsUnavailable(err))
	_, ok := loadRecord(t, store)
	assert.False(t, ok)
}

func TestTryConsume_MeterEvents(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Set(gq.Record{Count: 1, ResetsAt: testNow.Add(time.Hour)})
	m := &recordingMeter{}
	c := newTestCounter(t, store, fixed(testNow), gq.WithMeter(m))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	_, err = c.TryConsume(context.Background())
	require.Error(t, err)

	require.Len(t, m.consumes, 2)
	assert.True(t, m.consumes[0].Granted)
	assert.Equal(t, grant.ID, m.consumes[0].GrantID)
	assert.Equal(t, int64(0), m.consumes[0].Remaining)
	assert.False(t, m.consumes[1].Granted)
	assert.True(t, gq.IsExhausted(m.consumes[1].Error))
}

func TestReadState_StoredRecord(t *testing.T) {
	store := quota.NewMemoryStore()
	resetsAt := testNow.Add(3 * time.Hour)
	store.Set(gq.Record{Count: 42, ResetsAt: resetsAt})
	c := newTestCounter(t, store, fixed(testNow))

	st, err := c.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), st.Remaining)
	assert.True(t, resetsAt.Equal(st.ResetsAt))
	assert.False(t, st.Estimated)
}

// Reads of absent or expired records estimate and never write.
func TestReadState_NeverMutates(t *testing.T) {
	store := quota.NewMemoryStore()
	c := newTestCounter(t, store, fixed(testNow))

	for i := 0; i < 3; i++ {
		st, err := c.ReadState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(100), st.Remaining)
		assert.True(t, st.Estimated)
	}
	_, ok := loadRecord(t, store)
	assert.False(t, ok)

	expired := gq.Record{Count: 3, ResetsAt: testNow.Add(-time.Minute)}
	store.Set(expired)
	for i := 0; i < 3; i++ {
		st, err := c.ReadState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(100), st.Remaining)
		assert.True(t, time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC).Equal(st.ResetsAt))
	}
	after, _ := loadRecord(t, store)
	assert.Equal(t, expired, after)
}

func TestReadState_StoreFailure(t *testing.T) {
	c := newTestCounter(t, failingStore{err: errors.New("boom")}, fixed(testNow))

	_, err := c.ReadState(context.Background())
	assert.True(t, gq.IsUnavailable(err))
	var storeErr *gq.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "read", storeErr.Op)
}

func TestTryConsume_NextPeriodAfterClockAdvance(t *testing.T) {
	store := quota.NewMemoryStore()
	clk := newClock(testNow)
	c := newTestCounter(t, store, clk.Now)

	_, err := c.TryConsume(context.Background())
	require.NoError(t, err)

	clk.Advance(13*time.Hour + time.Second) // past 01:00 next day
	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.True(t, grant.Reset)
	assert.Equal(t, int64(99), grant.Remaining)
	assert.True(t, time.Date(2026, 3, 12, 1, 0, 0, 0, time.UTC).Equal(grant.ResetsAt))
}

func TestNewCounter_Validation(t *testing.T) {
	store := quota.NewMemoryStore()

	_, err := gq.NewCounter(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Limit = 0
	_, err = gq.NewCounter(cfg, store)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ResetHour = 24
	_, err = gq.NewCounter(cfg, store)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Timezone = "Nowhere/Invalid"
	_, err = gq.NewCounter(cfg, store)
	assert.Error(t, err)

	c, err := gq.NewCounter(testConfig(), store)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.Limit())
}

func TestCounter_WithLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	store := quota.NewMemoryStore()
	// 12:00 UTC is 21:00 JST; the next 01:00 JST is 16:00 UTC the same day.
	c := newTestCounter(t, store, fixed(testNow), gq.WithLocation(tokyo))

	grant, err := c.TryConsume(context.Background())
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC).Equal(grant.ResetsAt))
}
