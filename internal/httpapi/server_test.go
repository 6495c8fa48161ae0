package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/garage-dispatch/internal/chat"
	"github.com/example/garage-dispatch/internal/dispatch"
	"github.com/example/garage-dispatch/internal/geo"
	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/notify"
	"github.com/example/garage-dispatch/internal/protocol"
	"github.com/example/garage-dispatch/internal/realtime"
	"github.com/example/garage-dispatch/internal/storage"
	"github.com/example/garage-dispatch/internal/tracking"
)

type testEnv struct {
	srv   *httptest.Server
	index *geo.Index
	reg   *realtime.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := realtime.NewRegistry(nil)
	hub := notify.NewHub(storage.NewMemoryNotificationStore(), reg, nil)
	index := geo.NewIndex(5000, 0)
	chats := chat.NewManager(store, reg, chat.Options{Publisher: hub})
	tracker := tracking.NewManager(reg, tracking.Options{Publisher: hub})
	coord := dispatch.NewCoordinator(dispatch.Deps{
		Store:    store,
		Sender:   reg,
		Locator:  index,
		Roster:   index,
		Notifier: hub,
		Chat:     chats,
		Tracking: tracker,
	})
	s := NewServer(Deps{
		Coordinator: coord,
		Chat:        chats,
		Tracking:    tracker,
		Hub:         hub,
		Registry:    reg,
		Directory:   index,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
		coord.Close()
	})
	return &testEnv{srv: srv, index: index, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, as models.Participant, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if as.ID != "" {
		req.Header.Set("X-Participant-ID", as.ID)
		req.Header.Set("X-Participant-Role", string(as.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

var (
	admin    = models.Participant{ID: "admin-1", Role: models.RoleAdmin}
	customer = models.Participant{ID: "cust-1", Role: models.RoleCustomer}
	garage1  = models.Participant{ID: "g1", Role: models.RoleGarage}
	garage2  = models.Participant{ID: "g2", Role: models.RoleGarage}
)

func (e *testEnv) seedGarages(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		resp := e.do(t, http.MethodPost, "/internal/garages", admin, map[string]any{
			"id": id, "online": true, "pincodes": []string{"560001"},
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func (e *testEnv) createBooking(t *testing.T) models.Booking {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/bookings", customer, map[string]any{
		"service": map[string]any{"category": "tyre"},
		"pickup":  map[string]any{"pincode": "560001", "address": "Church Street"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Booking](t, resp)
}

type socket struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, p models.Participant) *socket {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?participant_id=" + p.ID + "&role=" + string(p.Role)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	s := &socket{t: t, ws: ws}
	s.expect(protocol.Ack)
	return s
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *socket) send(typ string, data any) {
	s.t.Helper()
	require.NoError(s.t, s.ws.WriteJSON(map[string]any{"type": typ, "data": data}))
}

// expect reads frames until one of type typ arrives.
func (s *socket) expect(typ string) frame {
	s.t.Helper()
	require.NoError(s.t, s.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(s.t, s.ws.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
	}
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/bookings", models.Participant{}, map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBookingValidationAndOwnership(t *testing.T) {
	e := newTestEnv(t)
	e.seedGarages(t, "g1")

	resp := e.do(t, http.MethodPost, "/api/v1/bookings", customer, map[string]any{"service": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/api/v1/bookings", customer, map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	b := e.createBooking(t)
	assert.Equal(t, models.StatusPending, b.Status)

	resp = e.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID, garage1, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "notified garage may read")
	resp = e.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID, garage2, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/v1/bookings/missing", customer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/garages/g1/pending", garage1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[struct {
		Bookings []models.Booking `json:"bookings"`
	}](t, resp)
	require.Len(t, pending.Bookings, 1)

	resp = e.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel", customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel", customer, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGarageRaceOverSockets(t *testing.T) {
	e := newTestEnv(t)
	e.seedGarages(t, "g1", "g2")
	g1 := e.dial(t, garage1)
	g2 := e.dial(t, garage2)
	cust := e.dial(t, customer)

	b := e.createBooking(t)
	g1.expect(protocol.BookingNew)
	g2.expect(protocol.BookingNew)

	g2.send(protocol.BookingAccept, map[string]string{"booking_id": b.ID})
	g2.expect(protocol.BookingStored)
	ack := g2.expect(protocol.Ack)
	assert.Contains(t, string(ack.Data), `"booking:accept"`)

	closed := g1.expect(protocol.BookingClosed)
	assert.Contains(t, string(closed.Data), b.ID)
	cust.expect(protocol.BookingAccepted)

	g1.send(protocol.BookingAccept, map[string]string{"booking_id": b.ID})
	late := g1.expect(protocol.Ack)
	assert.Contains(t, string(late.Data), codeAlreadyHandled)

	g1.send("booking:steal", map[string]string{"booking_id": b.ID})
	bad := g1.expect(protocol.Error)
	assert.Contains(t, string(bad.Data), codeBadRequest)

	room := models.BookingRoomID(b.ID)
	cust.send(protocol.JoinRoom, map[string]string{"room_id": room})
	cust.expect(protocol.Ack)
	g2.send(protocol.SendMessage, map[string]string{"room_id": room, "content": "on it"})
	msg := cust.expect(protocol.ReceiveMessage)
	assert.Contains(t, string(msg.Data), "on it")

	g1.send(protocol.JoinRoom, map[string]string{"room_id": room})
	denied := g1.expect(protocol.Error)
	assert.Contains(t, string(denied.Data), codeForbidden)
}

func TestNotificationsAndTickets(t *testing.T) {
	e := newTestEnv(t)
	b := e.createBooking(t)
	assert.Equal(t, models.StatusRejected, b.Status, "no garages seeded")

	resp := e.do(t, http.MethodGet, "/api/v1/notifications?unread=true", customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Notifications []models.Notification `json:"notifications"`
	}](t, resp)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, "booking_rejected", list.Notifications[0].Type)

	resp = e.do(t, http.MethodPost, "/api/v1/notifications/"+list.Notifications[0].ID+"/read", customer, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/api/v1/notifications/nope/read", customer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/api/v1/notifications/read-all", customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[map[string]int](t, resp)["updated"])

	resp = e.do(t, http.MethodPost, "/api/v1/support/tickets", customer, map[string]any{"subject": "charged twice", "priority": "urgent"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ticket := decode[models.SupportTicket](t, resp)

	resp = e.do(t, http.MethodPatch, "/api/v1/support/tickets/"+ticket.ID, customer, map[string]any{"status": "resolved"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodPatch, "/api/v1/support/tickets/"+ticket.ID, admin, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.TicketInProgress, decode[models.SupportTicket](t, resp).Status)
}

func TestDisconnectGoesOffline(t *testing.T) {
	e := newTestEnv(t)
	s := e.dial(t, garage1)
	assert.True(t, e.reg.Online(garage1.ID))
	require.NoError(t, s.ws.Close())
	assert.Eventually(t, func() bool { return !e.reg.Online(garage1.ID) }, time.Second, 10*time.Millisecond)
}

func TestUnmatchedRoutesShareOneLabel(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/nope/123", customer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, unmatchedRoute, routeTemplate(httptest.NewRequest(http.MethodGet, "/bookings/abc-123", nil)))
}
