package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-init/backend/internal/logging"
	"study-init/backend/internal/repository"
	"study-init/backend/pkg/models"
)

type fakeConn struct {
	mu        sync.Mutex
	events    []models.Event
	closed    bool
	code      int
	failAfter int // fail writes after this many; 0 never fails
	writes    int
	block     chan struct{}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failAfter > 0 && f.writes > f.failAfter {
		return errors.New("broken pipe")
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeConn) received() []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Event(nil), f.events...)
}

func (f *fakeConn) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code
}

func newTestHub(t *testing.T, buffer int) (*Hub, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutInitState(&models.StudyInitState{StudyID: "S1", Status: models.InitStatusInProgress, Progress: 33})
	store.PutInitState(&models.StudyInitState{StudyID: "S2", Status: models.InitStatusNotStarted})
	h := New(store, logging.NewNop(), nil, Config{SendBuffer: buffer})
	t.Cleanup(h.Close)
	return h, store
}

func connect(t *testing.T, h *Hub, conn Conn, studyID, userID string) *Channel {
	t.Helper()
	ch, err := h.Connect(context.Background(), conn, studyID, userID, nil)
	require.NoError(t, err)
	return ch
}

func waitEvents(t *testing.T, conn *fakeConn, n int) []models.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.received()) >= n }, 2*time.Second, 5*time.Millisecond)
	return conn.received()
}

func progressEvent(studyID string, p int) models.Event {
	return models.NewProgressEvent(studyID, models.StepApplyTemplate, p, "")
}

func TestBroadcast_NoChannelsIsNoop(t *testing.T) {
	h, _ := newTestHub(t, 4)
	h.Broadcast("S1", progressEvent("S1", 10))
	assert.Zero(t, h.StudyCount())
}

func TestConnect_AckThenSnapshot(t *testing.T) {
	h, _ := newTestHub(t, 4)
	conn := &fakeConn{}
	connect(t, h, conn, "S1", "u1")

	events := waitEvents(t, conn, 2)
	assert.Equal(t, models.EventConnection, events[0].Type)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, models.EventCurrentStatus, events[1].Type)
	assert.Equal(t, models.InitStatusInProgress, events[1].Status)
	require.NotNil(t, events[1].Progress)
	assert.Equal(t, 33, *events[1].Progress)
	assert.False(t, events[1].Timestamp.IsZero())
}

func TestConnect_RejectedWithCloseCode(t *testing.T) {
	h, _ := newTestHub(t, 4)
	for _, tc := range []struct {
		err  error
		code int
	}{
		{ErrNoCredential, 4001},
		{ErrInvalidCredential, 4002},
		{ErrForbidden, 4003},
		{ErrStudyNotFound, 4004},
	} {
		t.Run(tc.err.Error(), func(t *testing.T) {
			conn := &fakeConn{}
			_, err := h.Connect(context.Background(), conn, "S1", "u1", func(context.Context) error { return tc.err })
			assert.ErrorIs(t, err, tc.err)
			closed, code := conn.closedWith()
			assert.True(t, closed)
			assert.Equal(t, tc.code, code)
			assert.Empty(t, conn.received())
			assert.Zero(t, h.ChannelCount("S1"))
		})
	}
}

func TestTwoChannelsSameUser(t *testing.T) {
	h, _ := newTestHub(t, 8)
	tabA, tabB := &fakeConn{}, &fakeConn{}
	a := connect(t, h, tabA, "S1", "u1")
	connect(t, h, tabB, "S1", "u1")
	assert.Equal(t, 1, h.UserCount("S1"))
	assert.Equal(t, 2, h.ChannelCount("S1"))

	h.Broadcast("S1", progressEvent("S1", 16))
	assert.Equal(t, models.EventProgress, waitEvents(t, tabA, 3)[2].Type)
	assert.Equal(t, models.EventProgress, waitEvents(t, tabB, 3)[2].Type)

	h.Disconnect(a)
	h.Disconnect(a)
	assert.Equal(t, 1, h.ChannelCount("S1"))

	h.Broadcast("S1", progressEvent("S1", 33))
	assert.Equal(t, 33, *waitEvents(t, tabB, 4)[3].Progress)
	assert.Len(t, tabA.received(), 3)
}

func TestDisconnect_PrunesEmptyEntries(t *testing.T) {
	h, _ := newTestHub(t, 4)
	c1 := connect(t, h, &fakeConn{}, "S1", "u1")
	c2 := connect(t, h, &fakeConn{}, "S1", "u2")
	c3 := connect(t, h, &fakeConn{}, "S2", "u1")
	assert.Equal(t, 2, h.StudyCount())
	assert.Equal(t, 2, h.UserCount("S1"))

	h.Disconnect(c1)
	assert.Equal(t, 1, h.UserCount("S1"))
	h.Disconnect(c2)
	assert.Zero(t, h.UserCount("S1"))
	assert.Equal(t, 1, h.StudyCount())
	h.Disconnect(c3)
	assert.Zero(t, h.StudyCount())
}

func TestBroadcast_FailingChannelIsolated(t *testing.T) {
	h, _ := newTestHub(t, 8)
	broken := &fakeConn{failAfter: 2}
	healthy := &fakeConn{}
	connect(t, h, broken, "S1", "u1")
	connect(t, h, healthy, "S1", "u2")
	waitEvents(t, broken, 2)

	h.Broadcast("S1", progressEvent("S1", 50))

	require.Eventually(t, func() bool {
		closed, _ := broken.closedWith()
		return closed
	}, 2*time.Second, 5*time.Millisecond)
	_, code := broken.closedWith()
	assert.Equal(t, CloseInternalError, code)
	assert.Equal(t, models.EventProgress, waitEvents(t, healthy, 3)[2].Type)
	assert.Equal(t, 1, h.ChannelCount("S1"))
	assert.Equal(t, 1, h.UserCount("S1"))
}

func TestBroadcast_SlowChannelDropped(t *testing.T) {
	h, _ := newTestHub(t, 2)
	slow := &fakeConn{block: make(chan struct{})}
	defer close(slow.block)
	connect(t, h, slow, "S1", "u1")

	for i := range 5 {
		h.Broadcast("S1", progressEvent("S1", i))
	}

	closed, code := slow.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CloseTryAgainLater, code)
	assert.Zero(t, h.StudyCount())
}

func TestBroadcast_PreservesOrder(t *testing.T) {
	h, _ := newTestHub(t, 64)
	conn := &fakeConn{}
	connect(t, h, conn, "S1", "u1")

	for i := range 50 {
		h.Broadcast("S1", progressEvent("S1", i))
	}
	events := waitEvents(t, conn, 52)
	for i, ev := range events[2:] {
		require.Equal(t, models.EventProgress, ev.Type)
		assert.Equal(t, i, *ev.Progress)
	}
}

func TestHandleMessage(t *testing.T) {
	h, store := newTestHub(t, 8)
	conn := &fakeConn{}
	ch := connect(t, h, conn, "S1", "u1")
	waitEvents(t, conn, 2)
	ctx := context.Background()

	h.HandleMessage(ctx, ch, []byte(`{"type":"ping"}`))
	assert.Equal(t, models.EventPong, waitEvents(t, conn, 3)[2].Type)

	store.PutInitState(&models.StudyInitState{StudyID: "S1", Status: models.InitStatusMappingReview, Progress: 66})
	h.HandleMessage(ctx, ch, []byte(`{"type":"request_status"}`))
	snap := waitEvents(t, conn, 4)[3]
	assert.Equal(t, models.EventCurrentStatus, snap.Type)
	assert.Equal(t, models.InitStatusMappingReview, snap.Status)

	h.HandleMessage(ctx, ch, []byte(`{"type":"subscribe"}`))
	unknown := waitEvents(t, conn, 5)[4]
	assert.Equal(t, models.EventError, unknown.Type)
	assert.Contains(t, unknown.Error, "subscribe")

	h.HandleMessage(ctx, ch, []byte(`not json`))
	assert.Equal(t, models.EventError, waitEvents(t, conn, 6)[5].Type)
}

func TestClose_DisconnectsEverything(t *testing.T) {
	h, _ := newTestHub(t, 4)
	c1, c2 := &fakeConn{}, &fakeConn{}
	connect(t, h, c1, "S1", "u1")
	connect(t, h, c2, "S2", "u2")

	h.Close()
	for _, c := range []*fakeConn{c1, c2} {
		closed, code := c.closedWith()
		assert.True(t, closed)
		assert.Equal(t, CloseGoingAway, code)
	}
	assert.Zero(t, h.StudyCount())

	_, err := h.Connect(context.Background(), &fakeConn{}, "S1", "u1", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandler_WebSocket(t *testing.T) {
	h, _ := newTestHub(t, 8)
	authenticate := func(r *http.Request) (string, error) {
		switch r.URL.Query().Get("token") {
		case "":
			return "", ErrNoCredential
		case "good":
			return "u1", nil
		}
		return "", ErrInvalidCredential
	}
	authorize := func(_ context.Context, userID, studyID string) error {
		switch {
		case studyID == "missing":
			return ErrStudyNotFound
		case studyID != "S1" || userID != "u1":
			return ErrForbidden
		}
		return nil
	}

	e := echo.New()
	e.GET("/ws/studies/:studyId", h.Handler(authenticate, authorize))
	srv := httptest.NewServer(e)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/studies/"

	t.Run("admitted", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(base+"S1?token=good", nil)
		require.NoError(t, err)
		defer ws.Close()

		var ev models.Event
		require.NoError(t, ws.ReadJSON(&ev))
		assert.Equal(t, models.EventConnection, ev.Type)
		require.NoError(t, ws.ReadJSON(&ev))
		assert.Equal(t, models.EventCurrentStatus, ev.Type)

		require.NoError(t, ws.WriteJSON(models.ClientMessage{Type: models.ClientPing}))
		require.NoError(t, ws.ReadJSON(&ev))
		assert.Equal(t, models.EventPong, ev.Type)

		h.Broadcast("S1", progressEvent("S1", 16))
		require.NoError(t, ws.ReadJSON(&ev))
		assert.Equal(t, models.EventProgress, ev.Type)
	})

	for _, tc := range []struct {
		path string
		code int
	}{
		{"S1", CloseNoCredential},
		{"S1?token=expired", CloseInvalidCredential},
		{"S2?token=good", CloseForbidden},
		{"missing?token=good", CloseStudyNotFound},
	} {
		t.Run(tc.path, func(t *testing.T) {
			ws, _, err := websocket.DefaultDialer.Dial(base+tc.path, nil)
			require.NoError(t, err)
			defer ws.Close()

			_, _, err = ws.ReadMessage()
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.code, ce.Code)
		})
	}
}
