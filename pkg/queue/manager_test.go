package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinchat/pkg/logger"
	"twinchat/pkg/models"
	"twinchat/pkg/store"
)

func init() {
	logger.Init("error")
}

type fixture struct {
	store *store.Store
	mgr   *Manager
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	f.mgr = NewManager(st, Options{}).WithClock(func() time.Time { return f.now })
	st.WithClock(func() time.Time { return f.now })

	_, err = st.CreatePair(models.TwinPair{ID: "p1",
		Participants: [2]models.Participant{{ID: "alice"}, {ID: "bob"}}})
	require.NoError(t, err)
	return f
}

func (f *fixture) seedMessage(t *testing.T, id string) models.Message {
	t.Helper()
	m, err := f.store.SaveMessage(models.Message{
		ID: id, Pair: "p1", Sender: "alice", Recipient: "bob",
		Content: "content " + id, Type: models.MessageText,
	})
	require.NoError(t, err)
	return m
}

// pushFor returns a PushFunc that records deliveries and fails while
// *failures > 0, decrementing it per call.
func pushFor(delivered *[]string, failures *int) PushFunc {
	return func(_ context.Context, m models.Message) error {
		if *failures > 0 {
			*failures--
			return errors.New("connection reset")
		}
		*delivered = append(*delivered, m.ID)
		return nil
	}
}

func TestResolveDirectWhenOnline(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")

	res, err := f.mgr.Resolve(m, true)
	require.NoError(t, err)
	assert.Equal(t, ResolvedDelivered, res)

	got, err := f.store.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, got.Delivered())

	// no queue entry on the direct path
	pending, err := f.store.PendingForRecipient("bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveQueuesWhenOffline(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")

	res, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)
	assert.Equal(t, ResolvedQueued, res)

	got, err := f.store.GetMessage("m1")
	require.NoError(t, err)
	assert.False(t, got.Delivered())

	pending, err := f.store.PendingForRecipient("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	e := pending[0]
	assert.Equal(t, models.QueuePending, e.Status)
	assert.Zero(t, e.Attempts)
	assert.Equal(t, 3, e.MaxAttempts)
	assert.Equal(t, "m1", e.Snapshot.ID)
	assert.Equal(t, f.now.Add(24*time.Hour).UnixNano(), e.ExpiresTS)
}

func TestDrainDeliversInOrder(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		m := f.seedMessage(t, fmt.Sprintf("m%d", i))
		_, err := f.mgr.Resolve(m, false)
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}

	var delivered []string
	failures := 0
	res, err := f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, []string{"m0", "m1", "m2"}, delivered)

	// a successful attempt still counts as an attempt
	entries, err := f.store.DuePending(f.now.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	und, err := f.store.Undelivered("bob", "")
	require.NoError(t, err)
	assert.Empty(t, und)
}

func TestDrainFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	var delivered []string
	failures := 1
	res, err := f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Empty(t, delivered)

	pending, err := f.store.PendingForRecipient("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	e := pending[0]
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "connection reset", e.LastError)
	// first failure reschedules 5s out
	assert.Equal(t, f.now.Add(5*time.Second).UnixNano(), e.NextAttemptTS)
}

func TestSecondFailureUsesNextBackoffStep(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	var delivered []string
	failures := 2
	_, err = f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
	require.NoError(t, err)

	f.now = f.now.Add(5 * time.Second)
	_, err = f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
	require.NoError(t, err)

	pending, err := f.store.PendingForRecipient("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	e := pending[0]
	assert.Equal(t, 2, e.Attempts)
	// second failure reschedules 15s out
	assert.Equal(t, f.now.Add(15*time.Second).UnixNano(), e.NextAttemptTS)
}

func TestThirdFailureGoesTerminal(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	var delivered []string
	failures := 3
	for i := 0; i < 3; i++ {
		_, err = f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}

	pending, err := f.store.PendingForRecipient("bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err := f.mgr.Stats("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Total)
}

func TestExpiredEntrySkipsDelivery(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)

	var delivered []string
	failures := 0
	res, err := f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Empty(t, delivered)

	stats, err := f.mgr.Stats("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
}

type mapResolver map[string]PushFunc

func (r mapResolver) PushFor(id string) PushFunc { return r[id] }

func TestRetrySweepDeliversDueEntries(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	// one failed drain pushes the entry 5s out
	var delivered []string
	failures := 1
	_, err = f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
	require.NoError(t, err)

	// not yet due: sweep leaves it alone
	res, err := f.mgr.RetrySweep(context.Background(), mapResolver{"bob": pushFor(&delivered, &failures)})
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)

	f.now = f.now.Add(6 * time.Second)
	res, err = f.mgr.RetrySweep(context.Background(), mapResolver{"bob": pushFor(&delivered, &failures)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"m1"}, delivered)

	got, err := f.store.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, got.Delivered())
}

func TestRetrySweepOfflineRecipient(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	// offline and not expired: left pending
	res, err := f.mgr.RetrySweep(context.Background(), mapResolver{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Zero(t, res.Expired)

	// offline and past expiry: expired without an attempt
	f.now = f.now.Add(25 * time.Hour)
	res, err = f.mgr.RetrySweep(context.Background(), mapResolver{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	entries, err := f.store.DuePending(f.now.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepLeavesUnreachableRecipientPending(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	// the connection exists but cannot take the entry: repeated sweeps must
	// not walk it toward terminal failed
	away := func(context.Context, models.Message) error {
		return fmt.Errorf("%w: room p1 not joined", ErrRecipientUnavailable)
	}
	for i := 0; i < 3; i++ {
		res, err := f.mgr.RetrySweep(context.Background(), mapResolver{"bob": away})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Pending)
		assert.Zero(t, res.Failed)
		f.now = f.now.Add(time.Minute)
	}

	pending, err := f.store.PendingForRecipient("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.QueuePending, pending[0].Status)
	assert.Zero(t, pending[0].Attempts)

	// once reachable the sweep delivers as usual
	var delivered []string
	failures := 0
	res, err := f.mgr.RetrySweep(context.Background(), mapResolver{"bob": pushFor(&delivered, &failures)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"m1"}, delivered)
}

func TestDrainSerializedPerParticipant(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		m := f.seedMessage(t, fmt.Sprintf("m%d", i))
		_, err := f.mgr.Resolve(m, false)
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}

	// two concurrent drains must not double-deliver: the second holds the
	// drain lock until the first finishes, then sees no pending entries
	seen := make(chan string, 16)
	push := func(_ context.Context, m models.Message) error {
		seen <- m.ID
		return nil
	}
	done := make(chan DrainResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := f.mgr.DrainForParticipant(context.Background(), "bob", push)
			if err != nil {
				t.Error(err)
			}
			done <- res
		}()
	}
	total := 0
	for i := 0; i < 2; i++ {
		res := <-done
		total += res.Delivered
	}
	close(seen)
	var ids []string
	for id := range seen {
		ids = append(ids, id)
	}
	assert.Equal(t, 5, total)
	assert.Len(t, ids, 5)
}

func TestDeleteTerminalQueueEntries(t *testing.T) {
	f := newFixture(t)
	m := f.seedMessage(t, "m1")
	_, err := f.mgr.Resolve(m, false)
	require.NoError(t, err)

	var delivered []string
	failures := 0
	_, err = f.mgr.DrainForParticipant(context.Background(), "bob", pushFor(&delivered, &failures))
	require.NoError(t, err)

	// cutoff before creation keeps the entry
	n, err := f.store.DeleteTerminalQueueEntries(f.now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.store.DeleteTerminalQueueEntries(f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := f.mgr.Stats("p1")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}
