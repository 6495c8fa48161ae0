package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/protocol"
	"github.com/example/garage-dispatch/internal/realtime"
)

const (
	readTimeout  = 60 * time.Second
	maxFrameSize = 1 << 20
)

// handleWS upgrades an authenticated request and processes frames until the
// client disconnects. Every inbound frame is answered with either an ack or
// an error frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.Auth.Authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := realtime.NewConnection(ws)
	conn.Start()
	s.Registry.Register(p, conn)
	defer func() {
		s.Registry.Unregister(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()
	logger := s.logger.With("participant", p.ID, "role", p.Role, "conn", conn.ID())
	logger.Debug("socket connected")

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	s.reply(conn, protocol.Event{Type: protocol.Ack, Data: protocol.AckPayload{For: "connect", Result: p}})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("socket read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		in, err := protocol.Decode(data)
		if err != nil {
			s.replyError(conn, "", err)
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.FrameTimeout)
		result, err := s.handleFrame(ctx, p, in)
		cancel()
		switch {
		case err == nil:
			s.reply(conn, protocol.Event{Type: protocol.Ack, Data: protocol.AckPayload{For: in.Type, Result: result}})
		case in.Type == protocol.BookingAccept && errors.Is(err, models.ErrStaleState):
			// The losing garage already got booking:closed; answer like a
			// normal outcome instead of an error toast.
			s.reply(conn, protocol.Event{Type: protocol.Ack, Data: protocol.AckPayload{For: in.Type, Result: map[string]string{"outcome": codeAlreadyHandled}}})
		default:
			if _, code := classify(err); code == codeInternal {
				logger.Error("frame failed", "type", in.Type, "error", err)
			}
			s.replyError(conn, in.Type, err)
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, p models.Participant, in protocol.Inbound) (any, error) {
	switch req := in.Payload.(type) {
	case *protocol.RoomRequest:
		switch in.Type {
		case protocol.JoinRoom:
			history, err := s.Chat.Join(ctx, req.RoomID, p)
			if err != nil {
				return nil, err
			}
			return map[string]any{"room_id": req.RoomID, "history": history}, nil
		case protocol.LeaveRoom:
			s.Chat.Leave(req.RoomID, p.ID)
			return nil, nil
		case protocol.TypingStart:
			return nil, s.Chat.SetTyping(ctx, req.RoomID, p)
		case protocol.TypingStop:
			return nil, s.Chat.ClearTyping(ctx, req.RoomID, p)
		case protocol.MarkRead:
			n, err := s.Chat.MarkRead(ctx, req.RoomID, p)
			if err != nil {
				return nil, err
			}
			return map[string]int{"marked": n}, nil
		}
	case *protocol.SendMessageRequest:
		return s.Chat.Send(ctx, req.RoomID, p, req.Content, req.Type)
	case *protocol.BookingRequest:
		switch in.Type {
		case protocol.BookingAccept:
			return s.Coordinator.Accept(ctx, req.BookingID, p)
		case protocol.BookingDecline:
			return nil, s.Coordinator.Decline(ctx, req.BookingID, p)
		case protocol.TrackingStart:
			return nil, s.Coordinator.StartTracking(ctx, req.BookingID, p)
		case protocol.TrackingStop:
			return nil, s.Coordinator.StopTracking(ctx, req.BookingID, p)
		case protocol.TrackingSubscribe:
			return s.Tracking.Subscribe(ctx, req.BookingID, p.ID)
		}
	case *protocol.AssignRequest:
		return s.Coordinator.AssignMechanic(ctx, req.BookingID, p, req.MechanicID)
	case *protocol.AdvanceRequest:
		return s.Coordinator.Advance(ctx, req.BookingID, p, req.Status)
	case *protocol.LocationRequest:
		return nil, s.Tracking.UpdateLocation(ctx, req.BookingID, p.ID, req.Lat, req.Lon)
	}
	return nil, &models.ValidationError{Field: "type", Reason: "unsupported event " + in.Type}
}

func (s *Server) reply(conn *realtime.Connection, ev protocol.Event) {
	payload, err := ev.Encode()
	if err != nil {
		s.logger.Error("encode frame", "type", ev.Type, "error", err)
		return
	}
	_ = conn.Send(payload)
}

func (s *Server) replyError(conn *realtime.Connection, forType string, err error) {
	_, code := classify(err)
	s.reply(conn, protocol.Event{Type: protocol.Error, Data: protocol.ErrorPayload{For: forType, Code: code, Message: publicMessage(code, err)}})
}
