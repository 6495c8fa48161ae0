package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/garage-dispatch/internal/config"
	"github.com/example/garage-dispatch/internal/logging"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PG_DSN", "")
	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	assert.ErrorContains(t, err, "PG_DSN is required")
}

func TestBuildInMemoryServesHealth(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, err := config.LoadServerConfig()
	require.NoError(t, err)
	cfg.PGDSN, cfg.RedisAddr, cfg.KafkaBrokers, cfg.StripeAPIKey = "", "", nil, ""

	logger := logging.NewLoggerTo(&bytes.Buffer{}, "error")
	a, err := build(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.close(logger) })

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
