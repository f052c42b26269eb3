package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/peer"
)

// connect runs a full carol → dave call up to connected.
func connect(t *testing.T, e *env, callType model.CallType) (*Session, *Session) {
	t.Helper()
	ctx := context.Background()
	out, err := e.carol.StartOutgoing(ctx, "dave", callType)
	require.NoError(t, err)
	in, err := e.dave.AcceptIncoming(ctx, out.ID())
	require.NoError(t, err)
	e.waitStatus(t, out.ID(), model.StatusConnected)
	require.Eventually(t, func() bool {
		return out.Snapshot().Status == model.StatusConnected && in.Snapshot().Status == model.StatusConnected
	}, 5*time.Second, 10*time.Millisecond)
	return out, in
}

func countSignals(t *testing.T, e *env, callID string, typ model.SignalType) int {
	t.Helper()
	n, err := e.db.CountSignals(context.Background(), callID, typ)
	require.NoError(t, err)
	return n
}

func TestOutgoingCallRingsWithOneOffer(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	s, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	c, err := e.db.GetCall(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusRinging, c.Status)
	assert.Equal(t, "carol", c.CallerID)
	assert.Equal(t, model.CallVoice, c.CallType)

	sigs, err := e.db.SignalsSince(ctx, s.ID(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, sigs)
	assert.Equal(t, model.SignalOffer, sigs[0].Type)
	assert.Equal(t, "carol", sigs[0].SenderID)
	assert.Equal(t, 1, countSignals(t, e, s.ID(), model.SignalOffer))

	snap := s.Snapshot()
	assert.Equal(t, RoleCaller, snap.Role)
	assert.Equal(t, "dave", snap.Peer)
	assert.Equal(t, model.StatusRinging, snap.Status)
}

func TestAcceptedCallConnects(t *testing.T) {
	e := newEnv(t, testConfig())
	out, in := connect(t, e, model.CallVideo)

	c := e.waitStatus(t, out.ID(), model.StatusConnected)
	require.NotNil(t, c.StartedAt)
	assert.Nil(t, c.EndedAt)

	assert.Equal(t, 1, countSignals(t, e, out.ID(), model.SignalOffer))
	assert.Equal(t, 1, countSignals(t, e, out.ID(), model.SignalAnswer))
	sigs, err := e.db.SignalsSince(context.Background(), out.ID(), 0)
	require.NoError(t, err)
	for _, sig := range sigs {
		if sig.Type == model.SignalAnswer {
			assert.Equal(t, "dave", sig.SenderID)
		}
	}
	assert.Equal(t, RoleCallee, in.Snapshot().Role)
	assert.NotNil(t, out.Snapshot().StartedAt)
}

func TestOwnSignalsNeverReachOwnPeer(t *testing.T) {
	e := newEnv(t, testConfig())
	out, _ := connect(t, e, model.CallVoice)

	carol := e.peers.get("carol", out.ID())
	dave := e.peers.get("dave", out.ID())
	require.Eventually(t, func() bool {
		a, _, _, _, _ := carol.snapshot()
		b, _, _, _, _ := dave.snapshot()
		return len(a) > 0 && len(b) > 0
	}, 5*time.Second, 10*time.Millisecond)

	a, _, _, _, _ := carol.snapshot()
	b, _, _, _, _ := dave.snapshot()
	assert.NotContains(t, a, "candidate:carol")
	assert.Contains(t, a, "candidate:dave")
	assert.NotContains(t, b, "candidate:dave")
	assert.Contains(t, b, "candidate:carol")
}

func TestDeclineBeforeAnswer(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	s, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	require.NoError(t, e.dave.Decline(ctx, s.ID()))

	c, err := e.db.GetCall(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeclined, c.Status)
	assert.NotNil(t, c.EndedAt)

	waitDone(t, s)
	assert.Equal(t, model.StatusDeclined, s.Snapshot().Status)
	assert.True(t, s.Snapshot().Done)
	_, _, _, _, closed := e.peers.get("carol", s.ID()).snapshot()
	assert.Equal(t, 1, closed)

	assert.Zero(t, countSignals(t, e, s.ID(), model.SignalAnswer))
	assert.Nil(t, e.peers.get("dave", s.ID()), "decline must not open media")

	require.NoError(t, e.dave.Decline(ctx, s.ID()))
}

func TestCallerCancelsWhileRinging(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	s, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	require.NoError(t, s.Hangup(ctx))
	waitDone(t, s)
	c := e.waitStatus(t, s.ID(), model.StatusDeclined)
	assert.Zero(t, c.Duration)

	_, err = e.dave.AcceptIncoming(ctx, s.ID())
	assert.ErrorIs(t, err, model.ErrStaleTransition)
}

func TestPeerFailureEndsCallOnBothSides(t *testing.T) {
	e := newEnv(t, testConfig())
	out, in := connect(t, e, model.CallVoice)

	e.peers.get("carol", out.ID()).state(peer.StateFailed)

	waitDone(t, out)
	waitDone(t, in)
	c := e.waitStatus(t, out.ID(), model.StatusEnded)
	require.NotNil(t, c.StartedAt)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, int64(c.EndedAt.Sub(*c.StartedAt)/time.Second), c.Duration)

	assert.ErrorIs(t, out.Snapshot().Err, model.ErrNegotiationFailed)
	assert.Equal(t, model.StatusEnded, in.Snapshot().Status)
	assert.NoError(t, in.Snapshot().Err)
}

func TestDroppedStatusSubscriptionStillSeesRemoteHangup(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 30 * time.Second
	// Only the resubscribe-and-reconcile path may tell dave about the hangup.
	cfg.ReconcileInterval = 0
	e := newEnvWithFeed(t, cfg, feed.Options{PollInterval: 20 * time.Millisecond, BufferSize: 1},
		func(p *peers) { p.autoConnect = false })
	ctx := context.Background()

	published := func() {
		t.Helper()
		seq, err := e.db.LatestChangeSeq(ctx)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return e.feed.Watermark() >= seq }, 5*time.Second, 10*time.Millisecond)
	}

	out, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)
	in, err := e.dave.AcceptIncoming(ctx, out.ID())
	require.NoError(t, err)
	davePeer := e.peers.get("dave", out.ID())
	require.Eventually(t, func() bool {
		applied, _, _, _, _ := davePeer.snapshot()
		return lo.Contains(applied, "candidate:carol")
	}, 5*time.Second, 10*time.Millisecond)
	published()

	// Park dave's loop inside a candidate so its status buffer cannot drain.
	entered, unhold := davePeer.holdCandidates()
	release := sync.OnceFunc(unhold)
	defer release()
	_, err = e.db.InsertSignal(ctx, out.ID(), "carol", model.SignalICECandidate, []byte(`{"candidate":"candidate:late"}`))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("dave never received the candidate")
	}

	// connected fills dave's one-slot buffer; the hangup overflows it.
	e.peers.get("carol", out.ID()).state(peer.StateConnected)
	e.waitStatus(t, out.ID(), model.StatusConnected)
	published()
	require.NoError(t, out.Hangup(ctx))
	e.waitStatus(t, out.ID(), model.StatusEnded)
	published()

	release()
	waitDone(t, in)
	assert.Equal(t, model.StatusEnded, in.Snapshot().Status)
}

func TestLateCandidatesForEndedCallAreIgnored(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	out, in := connect(t, e, model.CallVoice)
	require.NoError(t, out.Hangup(ctx))
	waitDone(t, out)
	waitDone(t, in)

	carol := e.peers.get("carol", out.ID())
	before, _, _, _, _ := carol.snapshot()
	peersBefore := e.peers.count()

	for i := 0; i < 2; i++ {
		_, err := e.db.InsertSignal(ctx, out.ID(), "dave", model.SignalICECandidate,
			[]byte(fmt.Sprintf(`{"candidate":"candidate:late%d"}`, i)))
		require.NoError(t, err)
	}
	time.Sleep(300 * time.Millisecond)

	after, _, _, _, _ := carol.snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, peersBefore, e.peers.count())
	_, ok := e.carol.Session(out.ID())
	assert.False(t, ok)
	c, err := e.db.GetCall(ctx, out.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, c.Status)
}

func TestHangupIsIdempotent(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	out, in := connect(t, e, model.CallVoice)

	updates, cancel := e.carol.Subscribe()
	defer cancel()

	require.NoError(t, out.Hangup(ctx))
	require.NoError(t, out.Hangup(ctx))
	require.NoError(t, e.carol.Hangup(ctx, out.ID()))
	waitDone(t, in)
	require.NoError(t, in.Hangup(ctx))
	require.NoError(t, e.dave.Hangup(ctx, out.ID()))

	c := e.waitStatus(t, out.ID(), model.StatusEnded)
	assert.NotNil(t, c.EndedAt)

	finals := 0
	timeout := time.After(300 * time.Millisecond)
drain:
	for {
		select {
		case snap := <-updates:
			if snap.CallID == out.ID() && snap.Done {
				finals++
			}
		case <-timeout:
			break drain
		}
	}
	assert.Equal(t, 1, finals)
}

func TestDuplicateDescriptionsAreIgnored(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	out, _ := connect(t, e, model.CallVoice)

	sigs, err := e.db.SignalsSince(ctx, out.ID(), 0)
	require.NoError(t, err)
	for _, sig := range sigs {
		if sig.Type == model.SignalOffer || sig.Type == model.SignalAnswer {
			_, err := e.db.InsertSignal(ctx, out.ID(), sig.SenderID, sig.Type, sig.Data)
			require.NoError(t, err)
		}
	}
	time.Sleep(300 * time.Millisecond)

	_, _, answers, _, _ := e.peers.get("dave", out.ID()).snapshot()
	_, _, _, remoteSets, _ := e.peers.get("carol", out.ID()).snapshot()
	assert.Equal(t, 1, answers)
	assert.Equal(t, 1, remoteSets)
	assert.Equal(t, model.StatusConnected, out.Snapshot().Status)
}

func TestEarlyCandidatesAreBufferedUntilAnswer(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	s, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	_, err = e.db.InsertSignal(ctx, s.ID(), "dave", model.SignalICECandidate, []byte(`{"candidate":"candidate:early"}`))
	require.NoError(t, err)
	carol := e.peers.get("carol", s.ID())
	require.Eventually(t, func() bool {
		_, pending, _, _, _ := carol.snapshot()
		return pending == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = e.dave.AcceptIncoming(ctx, s.ID())
	require.NoError(t, err)
	e.waitStatus(t, s.ID(), model.StatusConnected)

	require.Eventually(t, func() bool {
		applied, pending, _, _, _ := carol.snapshot()
		return pending == 0 && lo.Contains(applied, "candidate:early")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 150 * time.Millisecond
	e := newEnv(t, cfg)

	s, err := e.carol.StartOutgoing(context.Background(), "dave", model.CallVoice)
	require.NoError(t, err)
	waitDone(t, s)
	c := e.waitStatus(t, s.ID(), model.StatusMissed)
	assert.NotNil(t, c.EndedAt)
}

func TestConnectTimeoutEndsCall(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	e := newEnv(t, cfg, func(p *peers) { p.autoConnect = false })
	ctx := context.Background()

	out, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)
	in, err := e.dave.AcceptIncoming(ctx, out.ID())
	require.NoError(t, err)

	waitDone(t, in)
	waitDone(t, out)
	e.waitStatus(t, out.ID(), model.StatusEnded)
}

func TestDisconnectGrace(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectGrace = 300 * time.Millisecond
	e := newEnv(t, cfg)
	out, _ := connect(t, e, model.CallVoice)
	carol := e.peers.get("carol", out.ID())

	carol.state(peer.StateDisconnected)
	carol.state(peer.StateConnected)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, model.StatusConnected, out.Snapshot().Status)

	carol.state(peer.StateDisconnected)
	waitDone(t, out)
	e.waitStatus(t, out.ID(), model.StatusEnded)
	assert.ErrorIs(t, out.Snapshot().Err, model.ErrNegotiationFailed)
}

func TestCallerMediaDeniedLeavesNoRecord(t *testing.T) {
	denied := fmt.Errorf("%w: permission refused", model.ErrMediaAccessDenied)
	e := newEnv(t, testConfig(), func(p *peers) { p.deny["carol"] = denied })
	ctx := context.Background()

	_, err := e.carol.StartOutgoing(ctx, "dave", model.CallVideo)
	assert.ErrorIs(t, err, model.ErrMediaAccessDenied)

	calls, err := e.db.ListCalls(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, calls)
	assert.False(t, e.carol.Busy())
}

func TestCalleeMediaDeniedEndsCall(t *testing.T) {
	denied := fmt.Errorf("%w: no camera", model.ErrMediaAccessDenied)
	e := newEnv(t, testConfig(), func(p *peers) { p.deny["dave"] = denied })
	ctx := context.Background()

	out, err := e.carol.StartOutgoing(ctx, "dave", model.CallVideo)
	require.NoError(t, err)
	in, err := e.dave.AcceptIncoming(ctx, out.ID())
	assert.ErrorIs(t, err, model.ErrMediaAccessDenied)
	require.NotNil(t, in)
	waitDone(t, in)
	waitDone(t, out)
	e.waitStatus(t, out.ID(), model.StatusEnded)
	assert.Equal(t, model.StatusEnded, out.Snapshot().Status)
}

func TestDialingSomeoneWhoIsRingingUsIsGlare(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	s, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	_, err = e.dave.StartOutgoing(ctx, "carol", model.CallVoice)
	assert.ErrorIs(t, err, model.ErrGlareConflict)
	var ge *model.GlareError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, s.ID(), ge.Existing.ID)
}

func TestResolveGlareKeepsEarlierCall(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	ours, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	later, err := e.db.CreateCall(ctx, model.Call{
		CallerID: "dave", CalleeID: "carol", CallType: model.CallVoice,
		CreatedAt: ours.Snapshot().CreatedAt.Add(time.Second),
	})
	require.NoError(t, err)

	glare, surface, err := e.carol.ResolveGlare(ctx, later)
	require.NoError(t, err)
	assert.True(t, glare)
	assert.False(t, surface)
	e.waitStatus(t, later.ID, model.StatusDeclined)
	assert.Equal(t, model.StatusRinging, ours.Snapshot().Status)
}

func TestResolveGlareYieldsToEarlierInbound(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	ours, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	earlier, err := e.db.CreateCall(ctx, model.Call{
		CallerID: "dave", CalleeID: "carol", CallType: model.CallVoice,
		CreatedAt: ours.Snapshot().CreatedAt.Add(-time.Second),
	})
	require.NoError(t, err)

	glare, surface, err := e.carol.ResolveGlare(ctx, earlier)
	require.NoError(t, err)
	assert.True(t, glare)
	assert.True(t, surface)

	waitDone(t, ours)
	e.waitStatus(t, ours.ID(), model.StatusDeclined)
	assert.True(t, ours.Snapshot().Glare)
	assert.ErrorIs(t, ours.Snapshot().Err, model.ErrGlareConflict)

	in, err := e.carol.AcceptIncoming(ctx, earlier.ID)
	require.NoError(t, err)
	assert.True(t, in.Snapshot().Glare)
	e.waitStatus(t, earlier.ID, model.StatusConnecting)
}

func TestBusyRejectsSecondCall(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	_, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	other, err := e.db.CreateCall(ctx, model.Call{CallerID: "erin", CalleeID: "carol", CallType: model.CallVoice})
	require.NoError(t, err)
	_, err = e.carol.AcceptIncoming(ctx, other.ID)
	assert.ErrorIs(t, err, model.ErrBusy)
	_, err = e.carol.StartOutgoing(ctx, "erin", model.CallVoice)
	assert.ErrorIs(t, err, model.ErrBusy)
}

func TestDeclineRingingSparesLiveSession(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	out, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)
	_, err = e.dave.AcceptIncoming(ctx, out.ID())
	require.NoError(t, err)
	e.waitStatus(t, out.ID(), model.StatusConnecting)

	assert.False(t, e.dave.BusyExcept(out.ID()))
	require.NoError(t, e.dave.DeclineRinging(ctx, out.ID()))
	_, live := e.dave.Session(out.ID())
	assert.True(t, live)
	got, err := e.db.GetCall(ctx, out.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnecting, got.Status)

	other, err := e.db.CreateCall(ctx, model.Call{CallerID: "erin", CalleeID: "dave", CallType: model.CallVoice})
	require.NoError(t, err)
	assert.True(t, e.dave.BusyExcept(other.ID))
	require.NoError(t, e.dave.DeclineRinging(ctx, other.ID))
	got, err = e.db.GetCall(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeclined, got.Status)
}

func TestAcceptRejectsCallsNotAddressedToUs(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	s, err := e.carol.StartOutgoing(ctx, "dave", model.CallVoice)
	require.NoError(t, err)

	_, err = e.carol.AcceptIncoming(ctx, s.ID())
	assert.ErrorIs(t, err, model.ErrInvalidCall)

	_, err = e.dave.AcceptIncoming(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrCallNotFound)
}

func TestCloseHangsUpLiveCalls(t *testing.T) {
	e := newEnv(t, testConfig())
	out, in := connect(t, e, model.CallVoice)

	e.carol.Close()
	waitDone(t, out)
	waitDone(t, in)
	e.waitStatus(t, out.ID(), model.StatusEnded)

	_, err := e.carol.StartOutgoing(context.Background(), "dave", model.CallVoice)
	assert.Error(t, err)
}

func TestSelfCallRejected(t *testing.T) {
	e := newEnv(t, testConfig())
	_, err := e.carol.StartOutgoing(context.Background(), "carol", model.CallVoice)
	assert.ErrorIs(t, err, model.ErrSelfCall)
}
