package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]BookingStatus{
		{StatusPending, StatusAccepted},
		{StatusAccepted, StatusAssigned},
		{StatusAssigned, StatusOnWay},
		{StatusOnWay, StatusArrived},
		{StatusArrived, StatusWorking},
		{StatusWorking, StatusCompleted},
		{StatusPending, StatusCancelled},
		{StatusAccepted, StatusCancelled},
		{StatusAssigned, StatusCancelled},
		{StatusPending, StatusRejected},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be legal", e[0], e[1])
		}
	}

	illegal := [][2]BookingStatus{
		{StatusAccepted, StatusPending},
		{StatusOnWay, StatusCancelled},
		{StatusAccepted, StatusRejected},
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusAccepted},
		{StatusRejected, StatusAccepted},
		{StatusPending, StatusAssigned},
	}
	for _, e := range illegal {
		if CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be illegal", e[0], e[1])
		}
	}
}

func TestChangeApplyWritesWinnerOnce(t *testing.T) {
	b := &Booking{ID: "b1", Status: StatusPending}
	now := time.Now()
	if err := (Change{BookingID: "b1", From: StatusPending, To: StatusAccepted, Actor: Participant{ID: "g2", Role: RoleGarage}}).Apply(b, now); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if b.WinnerGarageID != "g2" || b.Status != StatusAccepted {
		t.Fatalf("unexpected booking %+v", b)
	}
	err := (Change{BookingID: "b1", From: StatusPending, To: StatusAccepted, Actor: Participant{ID: "g1", Role: RoleGarage}}).Apply(b, now)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	if b.WinnerGarageID != "g2" {
		t.Fatalf("winner overwritten: %s", b.WinnerGarageID)
	}
	if len(b.History) != 1 {
		t.Fatalf("expected one history entry, got %d", len(b.History))
	}
}

func TestBookingRoomIDRoundTrip(t *testing.T) {
	id, ok := BookingIDFromRoom(BookingRoomID("abc"))
	if !ok || id != "abc" {
		t.Fatalf("got %q %v", id, ok)
	}
	if _, ok := BookingIDFromRoom("support_x"); ok {
		t.Fatal("support room must not parse as booking room")
	}
}
