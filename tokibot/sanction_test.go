package tokibot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"slices"
	"sync"
	"testing"
	"time"
)

// fakeReverser records unbans, failing for the guilds in fail. Like
// Discord.UnbanMember, it gives up without unbanning when ctx is done,
// and returns err (when set) without unbanning.
type fakeReverser struct {
	mu      sync.Mutex
	guilds  []string
	fail    map[string]bool
	err     error
	unbans  []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeReverser) Guilds() []string {
	return f.guilds
}

func (f *fakeReverser) UnbanMember(ctx context.Context, guildID string, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbans = append(f.unbans, guildID+"/"+userID)
	if f.fail[guildID] {
		return errors.New("missing permissions")
	}
	return nil
}

func (f *fakeReverser) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rv := slices.Clone(f.unbans)
	slices.Sort(rv)
	return rv
}

func newTestLedger(t *testing.T) (*SanctionLedger, *Journal, *testClock) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	clock := newTestClock()
	store := NewStore(testLogger(t))
	journal := NewJournal(store, cfg.Path(ConfessionActionsFile), testLogger(t))
	journal.now = clock.Now
	ledger := NewSanctionLedger(
		store,
		cfg.Path(SanctionsFile),
		journal,
		cfg.Sanctions,
		testLogger(t),
	)
	ledger.now = clock.Now
	return ledger, journal, clock
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

func TestSanctionLedger_IssueReplacesExisting(t *testing.T) {
	t.Parallel()
	ledger, journal, clock := newTestLedger(t)

	first, err := ledger.Issue("42", durationPtr(time.Hour), "spam", "7")
	require.NoError(t, err)
	require.NotNil(t, first.EndTime)
	assert.Equal(t, NewUnixTime(clock.Now().Add(time.Hour)), *first.EndTime)

	second, err := ledger.Issue("42", durationPtr(10*time.Minute), "spam again", "8")
	require.NoError(t, err)

	records := ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, second, records[0])
	assert.Equal(t, "spam again", records[0].Reason)

	_, err = ledger.Issue("43", nil, "raid", "7")
	require.NoError(t, err)
	permanent, ok := ledger.Get("43")
	require.True(t, ok)
	assert.Nil(t, permanent.EndTime)
	assert.Len(t, ledger.Records(), 2)

	actions := journal.Entries()
	require.Len(t, actions, 3)
	assert.Equal(t, ActionSanction, actions[0].Type)
	assert.Equal(t, int64(3600), actions[0].DurationSeconds)
	assert.Equal(t, Snowflake("8"), actions[1].ActorID)
}

func TestSanctionLedger_IssueClampsDuration(t *testing.T) {
	t.Parallel()
	ledger, _, clock := newTestLedger(t)

	r, err := ledger.Issue("42", durationPtr(90*24*time.Hour), "", "7")
	require.NoError(t, err)
	require.NotNil(t, r.EndTime)
	assert.Equal(t, NewUnixTime(clock.Now().Add(28*24*time.Hour)), *r.EndTime)

	_, err = ledger.Issue("42", durationPtr(0), "", "7")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ledger.Issue("", nil, "", "7")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSanctionLedger_Revoke(t *testing.T) {
	t.Parallel()
	ledger, journal, _ := newTestLedger(t)

	removed, err := ledger.Revoke("42", "7")
	require.NoError(t, err)
	assert.False(t, removed, "revoking a missing record is a no-op")

	_, err = ledger.Issue("42", durationPtr(time.Hour), "", "7")
	require.NoError(t, err)
	_, err = ledger.Issue("43", durationPtr(time.Hour), "", "7")
	require.NoError(t, err)

	removed, err = ledger.Revoke("42", "7")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok := ledger.Get("42")
	assert.False(t, ok)
	_, ok = ledger.Get("43")
	assert.True(t, ok)

	actions := journal.Entries()
	require.Len(t, actions, 3)
	assert.Equal(t, ActionUnsanction, actions[2].Type)
}

func TestSanctionLedger_AtMostOnePerSubject(t *testing.T) {
	t.Parallel()
	ledger, _, _ := newTestLedger(t)

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%3 == 0 {
				_, err := ledger.Revoke("42", "7")
				assert.NoError(t, err)
				return
			}
			_, err := ledger.Issue("42", durationPtr(time.Duration(n)*time.Minute), "", "7")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, len(ledger.Records()), 1)
}

func TestSanctionLedger_Sweep(t *testing.T) {
	t.Parallel()
	ledger, journal, clock := newTestLedger(t)
	ctx := context.Background()
	start := clock.Now()
	reverser := &fakeReverser{guilds: []string{"g1", "g2"}}

	_, err := ledger.Issue("42", durationPtr(10*time.Second), "", "7")
	require.NoError(t, err)

	result, err := ledger.Sweep(ctx, start.Add(5*time.Second), reverser)
	require.NoError(t, err)
	assert.Empty(t, result.Expired)
	assert.Empty(t, reverser.calls())
	_, ok := ledger.Get("42")
	assert.True(t, ok, "not expired yet")

	result, err = ledger.Sweep(ctx, start.Add(11*time.Second), reverser)
	require.NoError(t, err)
	require.Len(t, result.Expired, 1)
	assert.Len(t, result.Reversals, 2)
	assert.Equal(t, []string{"g1/42", "g2/42"}, reverser.calls())
	_, ok = ledger.Get("42")
	assert.False(t, ok)

	// nothing left to do
	result, err = ledger.Sweep(ctx, start.Add(11*time.Second), reverser)
	require.NoError(t, err)
	assert.Empty(t, result.Expired)
	assert.Len(t, reverser.calls(), 2)

	actions := journal.Entries()
	require.Len(t, actions, 2)
	assert.Equal(t, ActionExpire, actions[1].Type)
}

func TestSanctionLedger_SweepLeavesUnexpired(t *testing.T) {
	t.Parallel()
	ledger, _, clock := newTestLedger(t)
	start := clock.Now()

	_, err := ledger.Issue("1", durationPtr(time.Minute), "", "7")
	require.NoError(t, err)
	_, err = ledger.Issue("2", durationPtr(time.Hour), "", "7")
	require.NoError(t, err)
	_, err = ledger.Issue("3", nil, "", "7")
	require.NoError(t, err)
	_, err = ledger.Issue("4", durationPtr(2*time.Minute), "", "7")
	require.NoError(t, err)

	result, err := ledger.Sweep(
		context.Background(),
		start.Add(2*time.Minute),
		&fakeReverser{guilds: []string{"g"}},
	)
	require.NoError(t, err)
	assert.Len(t, result.Expired, 2)

	var remaining []Snowflake
	for _, r := range ledger.Records() {
		remaining = append(remaining, r.UserID)
	}
	assert.Equal(t, []Snowflake{"2", "3"}, remaining)
}

func TestSanctionLedger_SweepFailureStillRemoves(t *testing.T) {
	t.Parallel()
	ledger, _, clock := newTestLedger(t)
	reverser := &fakeReverser{
		guilds: []string{"g1", "g2", "g3"},
		fail:   map[string]bool{"g2": true},
	}

	_, err := ledger.Issue("42", durationPtr(time.Second), "", "7")
	require.NoError(t, err)

	result, err := ledger.Sweep(context.Background(), clock.Now().Add(time.Minute), reverser)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)
	assert.Len(t, result.Reversals, 2)
	assert.Equal(t, []string{"g1/42", "g2/42", "g3/42"}, reverser.calls())
	assert.Empty(t, ledger.Records())
}

func TestSanctionLedger_SweepKeepsReissuedRecord(t *testing.T) {
	t.Parallel()
	ledger, _, clock := newTestLedger(t)
	start := clock.Now()
	reverser := &fakeReverser{
		guilds:  []string{"g1"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}

	_, err := ledger.Issue("42", durationPtr(time.Second), "", "7")
	require.NoError(t, err)

	done := make(chan SweepResult)
	go func() {
		result, sweepErr := ledger.Sweep(context.Background(), start.Add(time.Minute), reverser)
		assert.NoError(t, sweepErr)
		done <- result
	}()

	<-reverser.started
	// a moderator bans the same member again while the sweep is unbanning
	_, err = ledger.Issue("42", durationPtr(time.Hour), "again", "7")
	require.NoError(t, err)

	skipped, err := ledger.Sweep(context.Background(), start.Add(time.Minute), reverser)
	require.NoError(t, err)
	assert.True(t, skipped.Skipped, "overlapping sweep should be skipped")

	close(reverser.block)
	result := <-done
	assert.Len(t, result.Expired, 1)

	r, ok := ledger.Get("42")
	require.True(t, ok, "the new ban must survive the sweep")
	assert.Equal(t, "again", r.Reason)
}

func TestSanctionLedger_SweepNoRecordsNoWrite(t *testing.T) {
	t.Parallel()
	ledger, _, clock := newTestLedger(t)

	result, err := ledger.Sweep(context.Background(), clock.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Expired)
	assert.Empty(t, ledger.Records())
}

func TestSanctionLedger_SweepIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	ledger, _, clock := newTestLedger(t)
	reverser := &fakeReverser{guilds: []string{"g1"}}

	_, err := ledger.Issue("42", durationPtr(10*time.Second), "", "7")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := ledger.Sweep(ctx, clock.Now().Add(11*time.Second), reverser)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1/42"}, reverser.calls())
	assert.Len(t, result.Reversals, 1)
	assert.Empty(t, result.Deferred)
	assert.Empty(t, ledger.Records())
}

func TestSanctionLedger_SweepKeepsUnattempted(t *testing.T) {
	t.Parallel()
	ledger, _, clock := newTestLedger(t)
	start := clock.Now()

	_, err := ledger.Issue("42", durationPtr(10*time.Second), "", "7")
	require.NoError(t, err)
	_, err = ledger.Issue("43", durationPtr(10*time.Second), "", "7")
	require.NoError(t, err)

	stalled := &fakeReverser{guilds: []string{"g1"}, err: context.DeadlineExceeded}
	result, err := ledger.Sweep(context.Background(), start.Add(11*time.Second), stalled)
	require.NoError(t, err)
	assert.Len(t, result.Expired, 2)
	assert.Len(t, result.Deferred, 2)
	assert.Equal(t, 0, result.Failures)
	assert.Len(t, ledger.Records(), 2)

	reverser := &fakeReverser{guilds: []string{"g1"}}
	result, err = ledger.Sweep(context.Background(), start.Add(12*time.Second), reverser)
	require.NoError(t, err)
	assert.Empty(t, result.Deferred)
	assert.Equal(t, []string{"g1/42", "g1/43"}, reverser.calls())
	assert.Empty(t, ledger.Records())
}
