package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware(t *testing.T) {
	tel := NewTelemetry(OrderServiceConfig)

	r := chi.NewRouter()
	r.Use(Middleware(tel))
	r.Get("/orders/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Same(t, tel, FromContext(r.Context()))
		assert.Equal(t, "order-service", GetServiceName(r.Context()))
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/42/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		101: "1xx",
		202: "2xx",
		304: "3xx",
		409: "4xx",
		503: "5xx",
		0:   "unknown",
	}
	for code, expected := range tests {
		assert.Equal(t, expected, statusClass(code))
	}
}

func TestConfigBuilders(t *testing.T) {
	cfg := OrderServiceConfig.WithOTLPEndpoint("localhost:4318").WithVersion("")
	assert.Equal(t, "localhost:4318", cfg.OTLPEndpoint)
	assert.Equal(t, "1.0.0", cfg.ServiceVersion)
	assert.Equal(t, "2.0.0", cfg.WithVersion("2.0.0").ServiceVersion)
	assert.Equal(t, "unknown", GetServiceName(context.Background()))
}
