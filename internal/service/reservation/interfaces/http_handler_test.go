package interfaces

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"turnstile/internal/pkg/clock"
	"turnstile/internal/service/reservation/application"
	"turnstile/internal/service/reservation/infrastructure/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := application.NewReservationService(memory.NewLedger(), clk, otel.Tracer("test"))
	mux := http.NewServeMux()
	NewReservationHandler(svc).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createTestType(t *testing.T, srv *httptest.Server, id string, total int) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/admin/ticket_types", map[string]interface{}{
		"id": id, "name": id, "total_quantity": total,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestLockTicketsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createTestType(t, srv, "ga", 10)

	resp := postJSON(t, srv.URL+"/lock_tickets", map[string]interface{}{
		"session_id": "A",
		"items":      []map[string]interface{}{{"ticket_type_id": "ga", "quantity": 2}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool `json:"success"`
		Holds   []struct {
			ID           string    `json:"id"`
			TicketTypeID string    `json:"ticket_type_id"`
			Quantity     int       `json:"quantity"`
			ExpiresAt    time.Time `json:"expires_at"`
		} `json:"holds"`
	}
	decode(t, resp, &body)
	require.True(t, body.Success)
	require.Len(t, body.Holds, 1)
	assert.Equal(t, "ga", body.Holds[0].TicketTypeID)
	assert.Equal(t, 2, body.Holds[0].Quantity)
	assert.NotEmpty(t, body.Holds[0].ID)
	assert.False(t, body.Holds[0].ExpiresAt.IsZero())
}

func TestLockTicketsEndpoint_InsufficientIsStill200(t *testing.T) {
	srv := newTestServer(t)
	createTestType(t, srv, "ga", 2)

	resp := postJSON(t, srv.URL+"/lock_tickets", map[string]interface{}{
		"session_id": "A",
		"items":      []map[string]interface{}{{"ticket_type_id": "ga", "quantity": 5}},
	})
	// 库存不足是业务结果,不是协议错误
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success  bool `json:"success"`
		Failures []struct {
			TicketTypeID string `json:"ticket_type_id"`
			Requested    int    `json:"requested"`
			Available    int    `json:"available"`
		} `json:"failures"`
	}
	decode(t, resp, &body)
	require.False(t, body.Success)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, 5, body.Failures[0].Requested)
	assert.Equal(t, 2, body.Failures[0].Available)
}

func TestLockTicketsEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t)
	createTestType(t, srv, "ga", 10)

	cases := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing session", map[string]interface{}{"items": []map[string]interface{}{{"ticket_type_id": "ga", "quantity": 1}}}, http.StatusBadRequest},
		{"no items", map[string]interface{}{"session_id": "A"}, http.StatusBadRequest},
		{"zero quantity", map[string]interface{}{"session_id": "A", "items": []map[string]interface{}{{"ticket_type_id": "ga", "quantity": 0}}}, http.StatusBadRequest},
		{"unknown ticket type", map[string]interface{}{"session_id": "A", "items": []map[string]interface{}{{"ticket_type_id": "nope", "quantity": 1}}}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/lock_tickets", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestLockTicketsEndpoint_MalformedBody(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/lock_tickets", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReleaseAndAvailabilityEndpoints(t *testing.T) {
	srv := newTestServer(t)
	createTestType(t, srv, "ga", 10)

	resp := postJSON(t, srv.URL+"/lock_tickets", map[string]interface{}{
		"session_id": "abc",
		"items":      []map[string]interface{}{{"ticket_type_id": "ga", "quantity": 5}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get := func() map[string]interface{} {
		resp, err := http.Get(srv.URL + "/availability?ticket_type_id=ga")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	body := get()
	assert.EqualValues(t, 5, body["locked"])
	assert.EqualValues(t, 5, body["available"])

	resp = postJSON(t, srv.URL+"/release_tickets", map[string]interface{}{"session_id": "abc"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	body = get()
	assert.EqualValues(t, 0, body["locked"])
	assert.EqualValues(t, 10, body["available"])

	// 释放是幂等的
	resp = postJSON(t, srv.URL+"/release_tickets", map[string]interface{}{"session_id": "abc"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestConsumeEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createTestType(t, srv, "ga", 10)

	resp := postJSON(t, srv.URL+"/lock_tickets", map[string]interface{}{
		"session_id": "A",
		"items":      []map[string]interface{}{{"ticket_type_id": "ga", "quantity": 3}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/consume", map[string]interface{}{"session_id": "A"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	avResp, err := http.Get(srv.URL + "/availability?ticket_type_id=ga")
	require.NoError(t, err)
	defer avResp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(avResp.Body).Decode(&body))
	assert.EqualValues(t, 3, body["sold"])
	assert.EqualValues(t, 0, body["locked"])
	assert.EqualValues(t, 7, body["available"])
}

func TestAvailabilityEndpoint_Errors(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/availability")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/availability?ticket_type_id=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTicketTypeEndpoint_Duplicate(t *testing.T) {
	srv := newTestServer(t)
	createTestType(t, srv, "ga", 10)

	resp := postJSON(t, srv.URL+"/admin/ticket_types", map[string]interface{}{
		"id": "ga", "name": "ga", "total_quantity": 10,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
