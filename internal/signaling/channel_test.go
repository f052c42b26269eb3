package signaling

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/storage"
)

type fixture struct {
	db   *storage.DB
	feed *feed.Feed
	call model.Call
}

func setup(t *testing.T, opts feed.Options) fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	f := feed.New(db, opts)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.Start(ctx))
	c, err := db.CreateCall(ctx, model.Call{CallerID: "carol", CalleeID: "dave", CallType: model.CallVoice})
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		f.Close()
		db.Close()
	})
	return fixture{db: db, feed: f, call: c}
}

func recv(t *testing.T, ch *Channel) Message {
	t.Helper()
	select {
	case m, ok := <-ch.Messages():
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no signal delivered")
		return Message{}
	}
}

func assertQuiet(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case m := <-ch.Messages():
		t.Fatalf("unexpected signal %d from %s", m.Signal.ID, m.Signal.SenderID)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLateOpenReplaysStoredOffer(t *testing.T) {
	fx := setup(t, feed.Options{})
	ctx := context.Background()

	caller := Open(ctx, fx.db, fx.feed, fx.call.ID, "carol", Options{})
	defer caller.Close()
	_, err := caller.Publish(ctx, &model.Offer{SDP: "v=0 offer"})
	require.NoError(t, err)

	callee := Open(ctx, fx.db, fx.feed, fx.call.ID, "dave", Options{})
	defer callee.Close()
	m := recv(t, callee)
	offer, ok := m.Payload.(*model.Offer)
	require.True(t, ok)
	assert.Equal(t, "v=0 offer", offer.SDP)
	assert.Equal(t, "carol", m.Signal.SenderID)
}

func TestSelfEchoIsFiltered(t *testing.T) {
	fx := setup(t, feed.Options{})
	ctx := context.Background()

	caller := Open(ctx, fx.db, fx.feed, fx.call.ID, "carol", Options{})
	defer caller.Close()
	callee := Open(ctx, fx.db, fx.feed, fx.call.ID, "dave", Options{})
	defer callee.Close()

	_, err := caller.Publish(ctx, &model.Offer{SDP: "v=0"})
	require.NoError(t, err)
	recv(t, callee)
	assertQuiet(t, caller)

	_, err = callee.Publish(ctx, &model.Answer{SDP: "v=0 answer"})
	require.NoError(t, err)
	m := recv(t, caller)
	assert.IsType(t, &model.Answer{}, m.Payload)
	assertQuiet(t, callee)
}

func TestReconcileDoesNotRedeliver(t *testing.T) {
	fx := setup(t, feed.Options{})
	ctx := context.Background()

	callee := Open(ctx, fx.db, fx.feed, fx.call.ID, "dave", Options{ReconcileInterval: 30 * time.Millisecond})
	defer callee.Close()

	_, err := fx.db.InsertSignal(ctx, fx.call.ID, "carol", model.SignalICECandidate, []byte(`{"candidate":"candidate:1"}`))
	require.NoError(t, err)
	recv(t, callee)

	callee.Reconcile()
	assertQuiet(t, callee)
}

func TestInvalidPayloadIsDropped(t *testing.T) {
	fx := setup(t, feed.Options{})
	ctx := context.Background()
	callee := Open(ctx, fx.db, fx.feed, fx.call.ID, "dave", Options{})
	defer callee.Close()

	_, err := fx.db.InsertSignal(ctx, fx.call.ID, "carol", model.SignalOffer, []byte(`{"type":"offer"}`))
	require.NoError(t, err)
	_, err = fx.db.InsertSignal(ctx, fx.call.ID, "carol", model.SignalOffer, []byte(`{"sdp":"v=0","type":"offer"}`))
	require.NoError(t, err)

	m := recv(t, callee)
	assert.Equal(t, "v=0", m.Payload.(*model.Offer).SDP)
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	fx := setup(t, feed.Options{})
	ch := Open(context.Background(), fx.db, fx.feed, fx.call.ID, "carol", Options{})
	defer ch.Close()
	_, err := ch.Publish(context.Background(), &model.ICECandidate{})
	assert.ErrorIs(t, err, model.ErrInvalidSignal)
}

func TestRecoversFromDroppedSubscription(t *testing.T) {
	fx := setup(t, feed.Options{BufferSize: 1})
	ctx := context.Background()

	callee := Open(ctx, fx.db, fx.feed, fx.call.ID, "dave", Options{ResubscribeDelay: 10 * time.Millisecond})
	defer callee.Close()

	// Let the channel finish its opening read, then flood it while nobody
	// drains Messages so the feed drops the subscriber.
	time.Sleep(50 * time.Millisecond)
	const n = 40
	for i := 0; i < n; i++ {
		_, err := fx.db.InsertSignal(ctx, fx.call.ID, "carol", model.SignalICECandidate, []byte(`{"candidate":"candidate:x"}`))
		require.NoError(t, err)
	}
	_, err := fx.feed.Poll(ctx)
	require.NoError(t, err)

	ids := map[int64]bool{}
	for len(ids) < n {
		m := recv(t, callee)
		assert.False(t, ids[m.Signal.ID], "duplicate delivery of %d", m.Signal.ID)
		ids[m.Signal.ID] = true
	}
	assertQuiet(t, callee)
	assert.GreaterOrEqual(t, callee.Gaps(), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	fx := setup(t, feed.Options{})
	ch := Open(context.Background(), fx.db, fx.feed, fx.call.ID, "carol", Options{})
	ch.Close()
	ch.Close()
	_, ok := <-ch.Messages()
	assert.False(t, ok)
}
