package eta

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/garage-dispatch/internal/models"
)

type countingClient struct {
	calls int
	secs  float64
	err   error
}

func (c *countingClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	c.calls++
	return c.secs, c.err
}

func TestEstimatorUsesCacheBeforeClient(t *testing.T) {
	cl := &countingClient{secs: 120}
	e := &Estimator{Client: cl, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{Lat: 12.9, Lon: 77.6}, models.Coord{Lat: 12.95, Lon: 77.6}
	if got := e.Estimate(a, b); got != 120 {
		t.Fatalf("got %f", got)
	}
	if got := e.Estimate(a, b); got != 120 {
		t.Fatalf("got %f", got)
	}
	if cl.calls != 1 {
		t.Fatalf("expected 1 client call, got %d", cl.calls)
	}
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	e := &Estimator{Client: &countingClient{err: errors.New("down")}, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 0.01}
	got := e.Estimate(a, b)
	if got < 100 || got > 120 {
		t.Fatalf("expected ~111s, got %f", got)
	}
}

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()
	got, err := NewOSRMClient(srv.URL).EstimateSeconds(models.Coord{}, models.Coord{Lat: 1})
	if err != nil || got != 321.5 {
		t.Fatalf("got %f %v", got, err)
	}
}
