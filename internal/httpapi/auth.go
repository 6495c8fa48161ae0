package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/example/garage-dispatch/internal/models"
)

const (
	headerParticipantID   = "X-Participant-ID"
	headerParticipantRole = "X-Participant-Role"
)

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the caller of a request. Identity is issued
// upstream; this service only consumes it.
type Authenticator interface {
	Authenticate(r *http.Request) (models.Participant, error)
}

// HeaderAuthenticator trusts identity headers set by an authenticating
// gateway. Browsers cannot set headers on WebSocket upgrades, so the
// participant_id and role query parameters are accepted as well.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (models.Participant, error) {
	id := strings.TrimSpace(r.Header.Get(headerParticipantID))
	role := strings.TrimSpace(r.Header.Get(headerParticipantRole))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("participant_id"))
		role = strings.TrimSpace(r.URL.Query().Get("role"))
	}
	p := models.Participant{ID: id, Role: models.Role(strings.ToLower(role))}
	if p.ID == "" || !p.Role.Valid() {
		return models.Participant{}, errUnauthenticated
	}
	return p, nil
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p models.Participant)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, p)
	}
}
