package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a plausible WGS84 position.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleGarage   Role = "garage"
	RoleMechanic Role = "mechanic"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleGarage, RoleMechanic, RoleAdmin:
		return true
	}
	return false
}

// Participant is an authenticated identity. The identity itself is owned by
// the auth collaborator; liveness is tracked by the connection registry.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor recorded for transitions the coordinator makes on its own
// (rejections after every garage declined or the deadline passed).
var System = Participant{ID: "system", Role: RoleAdmin}

// Garage is a service provider known to the eligibility index.
type Garage struct {
	ID       string    `json:"id"`
	Loc      Coord     `json:"loc"`
	Pincodes []string  `json:"pincodes"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

type Notification struct {
	ID            string         `json:"id"`
	ParticipantID string         `json:"participant_id"`
	Type          string         `json:"type"`
	Message       string         `json:"message"`
	Payload       map[string]any `json:"payload,omitempty"`
	Read          bool           `json:"read"`
	CreatedAt     time.Time      `json:"created_at"`
}
