package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stagebid/stagebid/internal/events"
	"github.com/stagebid/stagebid/internal/leaderboard"
	"github.com/stagebid/stagebid/internal/ledger"
	"github.com/stagebid/stagebid/internal/models"
	"github.com/stagebid/stagebid/internal/round"
)

type fakeSnapshots struct {
	snap *round.Snapshot
	err  error
}

func (f *fakeSnapshots) Snapshot(ctx context.Context) (*round.Snapshot, error) {
	return f.snap, f.err
}

func activeSnapshot() *round.Snapshot {
	now := time.Now().UTC()
	return &round.Snapshot{
		Round: &models.Round{
			ID:              uuid.New(),
			HostID:          uuid.New(),
			Status:          models.RoundStatusActive,
			DurationSeconds: 60,
			StartTime:       now,
			EndTime:         now.Add(time.Minute),
			CreatedAt:       now,
		},
		Leaderboard: leaderboard.Leaderboard{
			{ItemID: uuid.New(), Title: "Song A", Artist: "artist", Total: 100, Bidders: 1},
		},
		ServerTime: now,
	}
}

type harness struct {
	cm     *ConnectionManager
	server *httptest.Server
}

func newHarness(t *testing.T, snapshots SnapshotSource) *harness {
	t.Helper()
	cm := NewConnectionManager(DefaultConnectionConfig(), snapshots, clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	go cm.Start(ctx)

	mux := http.NewServeMux()
	NewWebSocketHandler(cm).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &harness{cm: cm, server: server}
}

func (h *harness) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?user_id=" + userID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestConnect_SnapshotArrivesFirst(t *testing.T) {
	snap := activeSnapshot()
	h := newHarness(t, &fakeSnapshots{snap: snap})
	conn := h.dial(t, uuid.New())

	first := readEvent(t, conn)
	require.Equal(t, events.TypeCurrentState, first.Type)
	require.Equal(t, snap.Round.ID, first.RoundID)

	var got round.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &got))
	require.Equal(t, snap.Round.ID, got.Round.ID)
	require.Len(t, got.Leaderboard, 1)

	// Events dispatched after the handshake follow the snapshot.
	ev, err := events.New(snap.Round.ID, events.TypeLeaderboardUpdated, time.Now().UTC(), map[string]string{})
	require.NoError(t, err)
	h.cm.Dispatch(ev)

	second := readEvent(t, conn)
	require.Equal(t, events.TypeLeaderboardUpdated, second.Type)
	require.Equal(t, ev.ID, second.ID)
}

func TestConnect_NoActiveRound(t *testing.T) {
	h := newHarness(t, &fakeSnapshots{err: ledger.ErrNoActiveRound})
	conn := h.dial(t, uuid.New())

	first := readEvent(t, conn)
	require.Equal(t, events.TypeNoActiveRound, first.Type)
}

func TestConnect_RequiresUserID(t *testing.T) {
	h := newHarness(t, &fakeSnapshots{err: ledger.ErrNoActiveRound})

	for _, path := range []string{"/ws", "/ws?user_id=not-a-uuid"} {
		resp, err := http.Get(h.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestDispatch_UnicastReachesOnlyTarget(t *testing.T) {
	h := newHarness(t, &fakeSnapshots{err: ledger.ErrNoActiveRound})

	alice, bob := uuid.New(), uuid.New()
	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	require.Equal(t, events.TypeNoActiveRound, readEvent(t, aliceConn).Type)
	require.Equal(t, events.TypeNoActiveRound, readEvent(t, bobConn).Type)

	roundID := uuid.New()
	notice, err := events.NewUnicast(roundID, alice, events.TypeRefundNotice, time.Now().UTC(), events.RefundNoticePayload{
		RoundID:     roundID,
		TotalAmount: 150,
		ItemTitles:  []string{"Song B"},
	})
	require.NoError(t, err)
	h.cm.Dispatch(notice)

	marker, err := events.New(roundID, events.TypeRoundClosed, time.Now().UTC(), map[string]string{})
	require.NoError(t, err)
	h.cm.Dispatch(marker)

	// Alice sees the notice then the broadcast; Bob sees only the
	// broadcast, proving the notice never reached him.
	got := readEvent(t, aliceConn)
	require.Equal(t, events.TypeRefundNotice, got.Type)
	require.Equal(t, alice, got.BidderID)
	require.Equal(t, marker.ID, readEvent(t, aliceConn).ID)

	bobFirst := readEvent(t, bobConn)
	require.Equal(t, events.TypeRoundClosed, bobFirst.Type)
	require.Equal(t, marker.ID, bobFirst.ID)
}

func TestClientResync(t *testing.T) {
	h := newHarness(t, &fakeSnapshots{snap: activeSnapshot()})
	conn := h.dial(t, uuid.New())
	require.Equal(t, events.TypeCurrentState, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_state"}`)))
	require.Equal(t, events.TypeCurrentState, readEvent(t, conn).Type)

	// Unknown commands are ignored without closing the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_state"}`)))
	require.Equal(t, events.TypeCurrentState, readEvent(t, conn).Type)
}

func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t, &fakeSnapshots{err: ledger.ErrNoActiveRound})

	resp, err := http.Get(h.server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats struct {
		Connections int `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Zero(t, stats.Connections)

	conn := h.dial(t, uuid.New())
	require.Equal(t, events.TypeNoActiveRound, readEvent(t, conn).Type)

	resp, err = http.Get(h.server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 1, stats.Connections)
}

func TestLoopbackPublisher(t *testing.T) {
	h := newHarness(t, &fakeSnapshots{err: ledger.ErrNoActiveRound})
	conn := h.dial(t, uuid.New())
	require.Equal(t, events.TypeNoActiveRound, readEvent(t, conn).Type)

	pub := NewLoopbackPublisher(h.cm)
	ev, err := events.New(uuid.New(), events.TypeRoundOpened, time.Now().UTC(), map[string]string{})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), ev))

	got := readEvent(t, conn)
	require.Equal(t, ev.ID, got.ID)
}
