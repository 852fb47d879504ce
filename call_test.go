package comms

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// party is one full client stack on a shared loopback hub.
type party struct {
	handle   string
	provider *fakeProvider
	call     *CallManager
	bus      *EventBus
}

func newParty(t *testing.T, hub *loopbackHub, handle string) *party {
	t.Helper()
	client := hub.client()
	api := newFakeAPI()
	store := NewStore()
	receipts := NewReceiptTracker(api, discardLogger())
	engine := NewEngine(store, api, receipts, NotifierFunc(func(string, string, string) {}), discardLogger())
	provider := &fakeProvider{}
	call := NewCallManager(client, provider, NotifierFunc(func(string, string, string) {}), discardLogger())
	bus := NewEventBus(client, engine, receipts, call, discardLogger())
	bus.Bind(handle)
	return &party{handle: handle, provider: provider, call: call, bus: bus}
}

func TestRoomIDDeterministic(t *testing.T) {
	// Both sides of a direct channel compute the same room id without
	// negotiation.
	fromAda := RoomID(Direct("grace"), "ada")
	fromGrace := RoomID(Direct("ada"), "grace")
	require.Equal(t, fromAda, fromGrace)

	assert.Equal(t, "room:group:eng", RoomID(Group("eng"), "ada"))
	assert.Equal(t, "room:group:eng", RoomID(Group("eng"), "grace"))
	assert.Equal(t, "room:general", RoomID(General(), "ada"))
}

func TestDirectCallOffererAsymmetry(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	require.Equal(t, CallInviting, ada.call.State())

	snap := grace.call.Snapshot()
	require.NotNil(t, snap.PendingInvite, "invite did not arrive")
	assert.Equal(t, "ada", snap.PendingInvite.FromHandle)

	require.NoError(t, grace.call.AcceptCall(context.Background()))

	// The loopback delivers synchronously, so the whole
	// join/offer/answer exchange has completed by now.
	assert.Equal(t, CallActive, ada.call.State())
	assert.Equal(t, CallActive, grace.call.State())

	// The already-present party offers; the newcomer answers.
	assert.Equal(t, 1, ada.provider.offerTotal(), "caller should have offered once")
	assert.Equal(t, 0, ada.provider.answerTotal())
	assert.Equal(t, 0, grace.provider.offerTotal(), "newcomer must not offer")
	assert.Equal(t, 1, grace.provider.answerTotal())

	assert.Len(t, ada.call.Snapshot().Peers, 1)
	assert.Len(t, grace.call.Snapshot().Peers, 1)
}

func TestThreePartyMeshPairwiseLinks(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")
	linus := newParty(t, hub, "linus")

	require.NoError(t, ada.call.StartCall(context.Background(), Group("eng"), []string{"grace", "linus"}))
	require.NoError(t, grace.call.AcceptCall(context.Background()))
	require.NoError(t, linus.call.AcceptCall(context.Background()))

	// Full mesh: every pair has exactly one link, offered by whichever
	// side was in the room first.
	for _, p := range []*party{ada, grace, linus} {
		assert.Len(t, p.call.Snapshot().Peers, 2, "%s should link both peers", p.handle)
		assert.Equal(t, CallActive, p.call.State())
	}
	assert.Equal(t, 2, ada.provider.offerTotal(), "first party offers to both joiners")
	assert.Equal(t, 1, grace.provider.offerTotal(), "second party offers to the third only")
	assert.Equal(t, 0, linus.provider.offerTotal(), "last joiner only answers")
	assert.Equal(t, 0, ada.provider.answerTotal())
	assert.Equal(t, 1, grace.provider.answerTotal())
	assert.Equal(t, 2, linus.provider.answerTotal())
}

func TestHangupTearsDownEverything(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")

	for i := 0; i < 100; i++ {
		require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
		require.NoError(t, grace.call.AcceptCall(context.Background()))

		ada.call.Hangup()
		grace.call.Hangup()

		require.Equal(t, CallIdle, ada.call.State())
		require.Equal(t, CallIdle, grace.call.State())
	}

	for _, p := range []*party{ada, grace} {
		assert.Zero(t, p.provider.openConns(), "%s leaked peer connections", p.handle)
		assert.Zero(t, p.provider.unstoppedMedia(), "%s leaked media handles", p.handle)
		assert.Empty(t, p.call.Snapshot().Peers)
	}
}

func TestPeerLeaveDropsOnlyThatLink(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")
	linus := newParty(t, hub, "linus")

	require.NoError(t, ada.call.StartCall(context.Background(), Group("eng"), []string{"grace", "linus"}))
	require.NoError(t, grace.call.AcceptCall(context.Background()))
	require.NoError(t, linus.call.AcceptCall(context.Background()))

	grace.call.Hangup()

	assert.Len(t, ada.call.Snapshot().Peers, 1, "ada should keep the link to linus")
	assert.Len(t, linus.call.Snapshot().Peers, 1, "linus should keep the link to ada")
	assert.Equal(t, CallActive, ada.call.State())
	assert.Zero(t, grace.provider.openConns())
	assert.Zero(t, grace.provider.unstoppedMedia())
}

func TestStartCallWhileBusy(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	err := ada.call.StartCall(context.Background(), Direct("linus"), []string{"linus"})
	assert.ErrorIs(t, err, ErrCallBusy)
}

func TestInviteIgnoredWhileBusy(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")
	linus := newParty(t, hub, "linus")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	require.NoError(t, grace.call.AcceptCall(context.Background()))

	// A third party invites grace mid-call; the invite must not preempt.
	require.NoError(t, linus.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	assert.Nil(t, grace.call.Snapshot().PendingInvite)
	assert.ErrorIs(t, grace.call.AcceptCall(context.Background()), ErrNoInvite)
}

func TestInviteForOtherRecipientIgnored(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")
	linus := newParty(t, hub, "linus")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))

	assert.NotNil(t, grace.call.Snapshot().PendingInvite)
	assert.Nil(t, linus.call.Snapshot().PendingInvite, "uninvited party received the invite")
}

func TestMediaRefusalFailsCallAttempt(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	ada.provider.acquireErr = context.DeadlineExceeded

	err := ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"})
	var mediaErr *MediaError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, CallIdle, ada.call.State(), "failed attempt must reset to idle")

	// The failure is not sticky: clearing the refusal lets a new attempt
	// proceed.
	ada.provider.mu.Lock()
	ada.provider.acquireErr = nil
	ada.provider.mu.Unlock()
	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
}

func TestStaleRoomSignalingIgnored(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	require.NoError(t, grace.call.AcceptCall(context.Background()))
	before := len(ada.call.Snapshot().Peers)

	// A join replayed from a previous room must not create a link.
	stale, _ := json.Marshal(signalPayload{
		Room:       "room:direct:ada+linus",
		From:       "ghost-participant",
		FromHandle: "linus",
	})
	hub.broadcast(evCallJoin, stale)

	assert.Equal(t, before, len(ada.call.Snapshot().Peers))
	assert.Equal(t, 1, ada.provider.offerTotal(), "stale join must not trigger an offer")
}

func TestDuplicateJoinReplayIsIdempotent(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	require.NoError(t, grace.call.AcceptCall(context.Background()))

	// Replay grace's join at ada; the existing link must be kept and no
	// second offer generated.
	room := ada.call.Snapshot().Room
	replay, _ := json.Marshal(signalPayload{Room: room, From: grace.call.self, FromHandle: "grace"})
	hub.broadcast(evCallJoin, replay)

	assert.Len(t, ada.call.Snapshot().Peers, 1)
	assert.Equal(t, 1, ada.provider.offerTotal())
}

func TestMuteAndVideoTogglesAreLocal(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	require.NoError(t, grace.call.AcceptCall(context.Background()))

	snap := ada.call.Snapshot()
	require.True(t, snap.AudioEnabled)
	require.True(t, snap.VideoEnabled)

	ada.call.SetMuted(true)
	ada.call.SetVideoEnabled(false)

	snap = ada.call.Snapshot()
	assert.False(t, snap.AudioEnabled)
	assert.False(t, snap.VideoEnabled)

	// The peer's local media is untouched; toggles do not signal.
	peerSnap := grace.call.Snapshot()
	assert.True(t, peerSnap.AudioEnabled)
	assert.True(t, peerSnap.VideoEnabled)

	ada.call.SetMuted(false)
	assert.True(t, ada.call.Snapshot().AudioEnabled)
}

func TestTrickledICEReachesTheRightPeer(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	require.NoError(t, grace.call.AcceptCall(context.Background()))

	// ada's connection discovers a local candidate; it must land on
	// grace's link to ada.
	require.Len(t, ada.provider.conns, 1)
	ada.provider.conns[0].fireICE(ICECandidate{Candidate: "candidate:1 udp"})

	require.Len(t, grace.provider.conns, 1)
	cands := grace.provider.conns[0].addedCandidates()
	require.Len(t, cands, 1)
	assert.Equal(t, "candidate:1 udp", cands[0].Candidate)
}

func TestSessionIdentityRebindKeepsSingleInvitePath(t *testing.T) {
	hub := newLoopbackHub()
	ada := newParty(t, hub, "ada")
	grace := newParty(t, hub, "grace")

	// Rebinding the same identity must not double-register call handlers;
	// a single invite arrives once and AcceptCall works normally.
	grace.bus.Bind("grace")
	grace.bus.Bind("grace")

	require.NoError(t, ada.call.StartCall(context.Background(), Direct("grace"), []string{"grace"}))
	require.NotNil(t, grace.call.Snapshot().PendingInvite)
	require.NoError(t, grace.call.AcceptCall(context.Background()))
	assert.Len(t, ada.call.Snapshot().Peers, 1)
}
