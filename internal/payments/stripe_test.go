package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeClientWithBackend("sk_test_123", backend)
}

func TestCaptureAndCancelHitIntentEndpoints(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","status":"succeeded"}`))
	})

	require.NoError(t, client.Capture(context.Background(), "pi_1"))
	require.NoError(t, client.Cancel(context.Background(), "pi_1"))
	assert.Equal(t, []string{
		"POST /v1/payment_intents/pi_1/capture",
		"POST /v1/payment_intents/pi_1/cancel",
	}, paths)
}

func TestCaptureSurfacesStripeErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already captured"}}`))
	})

	err := client.Capture(context.Background(), "pi_1")
	require.Error(t, err)
	var stripeErr *stripe.Error
	require.ErrorAs(t, err, &stripeErr)
	assert.Equal(t, stripe.ErrorCodePaymentIntentUnexpectedState, stripeErr.Code)
}
