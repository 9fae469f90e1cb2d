package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"breakdown-service-backend/internal/api"
	"breakdown-service-backend/internal/db"
	"breakdown-service-backend/internal/lifecycle"
	"breakdown-service-backend/internal/model"
	"breakdown-service-backend/internal/mw"
	"breakdown-service-backend/internal/realtime"
	"breakdown-service-backend/internal/store"
)

var apiSecret = []byte("api-test-secret")

type testServer struct {
	router http.Handler
	db     *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))

	log := logrus.New()
	hub := realtime.NewHub(log, nil)
	engine := lifecycle.NewEngine(store.NewGormStore(gormDB), hub, nil, log)
	router := api.NewRouter(engine, gormDB, hub, nil, apiSecret, rate.Limit(1000), log)
	return &testServer{router: router, db: gormDB}
}

func token(t *testing.T, role, subject, providerID, mechanicID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mw.Claims{
		Role:             role,
		ProviderID:       providerID,
		MechanicID:       mechanicID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}).SignedString(apiSecret)
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func (s *testServer) createRequest(t *testing.T, bearer string) model.ServiceRequest {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/service", bearer, obj{
		"breakdownType": "flat_tire",
		"description":   "rear left is gone",
		"location":      obj{"lat": 52.52, "lng": 13.405, "address": "Unter den Linden 1"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var req model.ServiceRequest
	decodeData(t, w, &req)
	return req
}

type obj = map[string]any

func TestCreateServiceRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/service", "", obj{"breakdownType": "flat_tire"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateService(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	req := s.createRequest(t, customer)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "cust-1", req.CustomerID)
	assert.Equal(t, model.StatusNew, req.Status)
	assert.Equal(t, 52.52, req.Latitude)
}

func TestCreateServiceMissingBreakdownType(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	w := s.do(t, http.MethodPost, "/api/service", customer, obj{"description": "no type"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAcceptFlow(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")
	provider := token(t, "provider", "prov-user-1", "prov-1", "")

	req := s.createRequest(t, customer)

	w := s.do(t, http.MethodPut, "/api/service/"+req.ID+"/accept", provider, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var accepted model.ServiceRequest
	decodeData(t, w, &accepted)
	assert.Equal(t, model.StatusProviderAccepted, accepted.Status)
	require.NotNil(t, accepted.ProviderID)
	assert.Equal(t, "prov-1", *accepted.ProviderID)

	// Any further accept is a conflict, whether by the bound provider or a
	// latecomer.
	w = s.do(t, http.MethodPut, "/api/service/"+req.ID+"/accept", provider, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	latecomer := token(t, "provider", "prov-user-2", "prov-2", "")
	w = s.do(t, http.MethodPut, "/api/service/"+req.ID+"/accept", latecomer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAcceptByCustomerForbidden(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	req := s.createRequest(t, customer)

	w := s.do(t, http.MethodPut, "/api/service/"+req.ID+"/accept", customer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRejectRequiresReason(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")
	provider := token(t, "provider", "prov-user-1", "prov-1", "")

	req := s.createRequest(t, customer)

	w := s.do(t, http.MethodPut, "/api/service/"+req.ID+"/reject", provider, obj{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/service/"+req.ID+"/reject", provider, obj{"reason": "too far out"})
	require.Equal(t, http.StatusOK, w.Code)
	var rejected model.ServiceRequest
	decodeData(t, w, &rejected)
	assert.Equal(t, model.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "too far out", *rejected.RejectionReason)
}

func TestGetServiceNotFound(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	w := s.do(t, http.MethodGet, "/api/service/00000000-0000-0000-0000-000000000000", customer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetServiceScopedToParties(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")
	stranger := token(t, "customer", "cust-2", "", "")

	req := s.createRequest(t, customer)

	w := s.do(t, http.MethodGet, "/api/service/"+req.ID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListServicesRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	w := s.do(t, http.MethodGet, "/api/service?status=FROBNICATED", customer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListServices(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	s.createRequest(t, customer)
	s.createRequest(t, customer)

	w := s.do(t, http.MethodGet, "/api/service", customer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items      []model.ServiceRequest `json:"items"`
		NextCursor string                 `json:"nextCursor"`
	}
	decodeData(t, w, &page)
	assert.Len(t, page.Items, 2)
	assert.Empty(t, page.NextCursor)
}

func TestFullFlowThroughAPI(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")
	provider := token(t, "provider", "prov-user-1", "prov-1", "")
	mechanic := token(t, "mechanic", "mech-user-1", "", "mech-1")

	req := s.createRequest(t, customer)
	id := req.ID

	require.Equal(t, http.StatusOK,
		s.do(t, http.MethodPut, "/api/service/"+id+"/accept", provider, nil).Code)
	require.Equal(t, http.StatusOK,
		s.do(t, http.MethodPut, "/api/service/"+id+"/assign-mechanic", provider, obj{"mechanicId": "mech-1"}).Code)
	require.Equal(t, http.StatusOK,
		s.do(t, http.MethodPut, "/api/service/"+id+"/estimate", provider, obj{"amount": 1800.0}).Code)
	require.Equal(t, http.StatusOK,
		s.do(t, http.MethodPut, "/api/service/"+id+"/estimate/approve", customer, nil).Code)

	// Skipping EN_ROUTE is a conflict; the mechanic has to walk the chain.
	assert.Equal(t, http.StatusConflict,
		s.do(t, http.MethodPut, "/api/service/"+id+"/status", mechanic, obj{"toStatus": "IN_PROGRESS"}).Code)

	for _, next := range []string{"EN_ROUTE", "IN_PROGRESS", "COMPLETED"} {
		w := s.do(t, http.MethodPut, "/api/service/"+id+"/status", mechanic, obj{"toStatus": next})
		require.Equal(t, http.StatusOK, w.Code, "advancing to %s", next)
	}

	w := s.do(t, http.MethodGet, "/api/service/"+id, customer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var final model.ServiceRequest
	decodeData(t, w, &final)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.NotNil(t, final.EstimateApprovedAt)
}

func TestUpdateStatusRejectsFreeformTarget(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")
	mechanic := token(t, "mechanic", "mech-user-1", "", "mech-1")

	req := s.createRequest(t, customer)

	w := s.do(t, http.MethodPut, "/api/service/"+req.ID+"/status", mechanic, obj{"toStatus": "DONE_ISH"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotesAndTimeline(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	req := s.createRequest(t, customer)

	w := s.do(t, http.MethodPost, "/api/service/"+req.ID+"/notes", customer, obj{"note": "gate code is 4711"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/api/service/"+req.ID+"/timeline", customer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.TimelineEntry
	decodeData(t, w, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EventRequestCreated, entries[0].Event)
	assert.Equal(t, model.EventNoteAdded, entries[1].Event)
	assert.Equal(t, "gate code is 4711", entries[1].Note)
}

func TestPutAndDeleteSubscription(t *testing.T) {
	s := newTestServer(t)
	customer := token(t, "customer", "cust-1", "", "")

	body := obj{
		"endpoint": "https://push.example.com/sub/1",
		"p256dh":   "key-material",
		"auth":     "auth-secret",
	}
	w := s.do(t, http.MethodPut, "/api/subscriptions", customer, body)
	require.Equal(t, http.StatusCreated, w.Code)

	// Replaying the same endpoint upserts instead of failing.
	w = s.do(t, http.MethodPut, "/api/subscriptions", customer, body)
	require.Equal(t, http.StatusCreated, w.Code)

	var count int64
	require.NoError(t, s.db.Model(&model.PushSubscription{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	w = s.do(t, http.MethodDelete, "/api/subscriptions", customer, obj{"endpoint": "https://push.example.com/sub/1"})
	require.Equal(t, http.StatusNoContent, w.Code)

	require.NoError(t, s.db.Model(&model.PushSubscription{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestVAPIDKeyUnconfigured(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/vapid_public_key", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
