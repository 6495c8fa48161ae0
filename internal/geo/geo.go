package geo

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/garage-dispatch/internal/models"
)

// Locator resolves the garages eligible for a pickup location.
type Locator interface {
	Eligible(ctx context.Context, pickup models.Location) ([]string, error)
}

// Directory is the write side of the garage index, fed by the admin API and
// the presence consumer.
type Directory interface {
	UpsertGarage(ctx context.Context, g models.Garage) error
	SetMechanicGarage(ctx context.Context, mechanicID, garageID string) error
	GarageOf(ctx context.Context, mechanicID string) (string, error)
}

// Index is an in-memory Locator and Directory. A garage is eligible when it
// is online and either serves the pickup pincode or sits within RadiusM.
type Index struct {
	mu        sync.RWMutex
	garages   map[string]models.Garage
	mechanics map[string]string // mechanicID -> garageID
	RadiusM   float64
	Limit     int
}

func NewIndex(radiusM float64, limit int) *Index {
	return &Index{
		garages:   make(map[string]models.Garage),
		mechanics: make(map[string]string),
		RadiusM:   radiusM,
		Limit:     limit,
	}
}

func (g *Index) UpsertGarage(_ context.Context, gr models.Garage) error {
	if gr.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	gr.Updated = time.Now()
	g.garages[gr.ID] = gr
	return nil
}

func (g *Index) SetMechanicGarage(_ context.Context, mechanicID, garageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mechanics[mechanicID] = garageID
	return nil
}

func (g *Index) GarageOf(_ context.Context, mechanicID string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.mechanics[mechanicID]
	if !ok {
		return "", fmt.Errorf("geo: mechanic %s: %w", mechanicID, models.ErrNotFound)
	}
	return id, nil
}

// Eligible returns pincode matches first, then radius matches nearest first.
func (g *Index) Eligible(_ context.Context, pickup models.Location) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	var byPin []string
	var near []pair
	for _, gr := range g.garages {
		if !gr.Online {
			continue
		}
		if pickup.Pincode != "" && slices.Contains(gr.Pincodes, pickup.Pincode) {
			byPin = append(byPin, gr.ID)
			continue
		}
		if g.RadiusM > 0 {
			if d := Haversine(pickup.Lat, pickup.Lon, gr.Loc.Lat, gr.Loc.Lon); d <= g.RadiusM {
				near = append(near, pair{gr.ID, d})
			}
		}
	}
	sort.Strings(byPin)
	sort.Slice(near, func(i, j int) bool { return near[i].dist < near[j].dist })
	out := byPin
	for _, p := range near {
		out = append(out, p.id)
	}
	if g.Limit > 0 && len(out) > g.Limit {
		out = out[:g.Limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

var (
	_ Locator   = (*Index)(nil)
	_ Directory = (*Index)(nil)
)
