package geo

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/example/garage-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestEligiblePincodeThenRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(5000, 0)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(idx.UpsertGarage(ctx, models.Garage{ID: "pin", Pincodes: []string{"560001"}, Loc: models.Coord{Lat: 20, Lon: 80}, Online: true}))
	must(idx.UpsertGarage(ctx, models.Garage{ID: "far-near", Loc: models.Coord{Lat: 12.95, Lon: 77.6}, Online: true}))
	must(idx.UpsertGarage(ctx, models.Garage{ID: "near", Loc: models.Coord{Lat: 12.91, Lon: 77.6}, Online: true}))
	must(idx.UpsertGarage(ctx, models.Garage{ID: "offline", Loc: models.Coord{Lat: 12.9, Lon: 77.6}}))
	must(idx.UpsertGarage(ctx, models.Garage{ID: "remote", Loc: models.Coord{Lat: 28.6, Lon: 77.2}, Online: true}))

	got, err := idx.Eligible(ctx, models.Location{Coord: models.Coord{Lat: 12.9, Lon: 77.6}, Pincode: "560001"})
	must(err)
	want := []string{"pin", "near", "far-near"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestEligibleRespectsLimit(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(10000, 1)
	_ = idx.UpsertGarage(ctx, models.Garage{ID: "a", Loc: models.Coord{Lat: 1, Lon: 1}, Online: true})
	_ = idx.UpsertGarage(ctx, models.Garage{ID: "b", Loc: models.Coord{Lat: 1.001, Lon: 1}, Online: true})
	got, _ := idx.Eligible(ctx, models.Location{Coord: models.Coord{Lat: 1, Lon: 1}})
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
}

func TestRoster(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(0, 0)
	_ = idx.SetMechanicGarage(ctx, "m1", "g1")
	if g, err := idx.GarageOf(ctx, "m1"); err != nil || g != "g1" {
		t.Fatalf("got %q %v", g, err)
	}
	if _, err := idx.GarageOf(ctx, "m2"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
