package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"repairpos/backend/internal/cache"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/metrics"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	svc := service.New(repo, cache.NewMemoryDraftCache(), nil, m, nil, service.Options{
		DefaultCompanyID: memory.DemoCompanyID,
		InvoicePrefix:    "FV",
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", memory.DemoCompanyID, repo)

	return New(svc, auth, Options{
		AllowedOrigin:  "*",
		Metrics:        m,
		MetricsHandler: metrics.Handler(registry),
	})
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:4000"
	res := httptest.NewRecorder()

	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	return payload.AccessToken
}

// call sends a JSON request with a bearer token and decodes the response
// body into out when out is non-nil.
func call(t *testing.T, handler http.Handler, method string, path string, token string, payload any, out any) int {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if out != nil && res.Body.Len() > 0 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return res.Code
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api.Handler(), "admin", "admin123")

	actor, err := api.auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if actor.Role != "admin" || actor.CompanyID != memory.DemoCompanyID {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	if code := call(t, api.Handler(), http.MethodGet, "/api/v1/products", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestProductReadsAndAdminWrites(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := login(t, handler, "cashier", "cashier123")

	var listed struct {
		Products []domain.Product `json:"products"`
	}
	if code := call(t, handler, http.MethodGet, "/api/v1/products", cashier, nil, &listed); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(listed.Products) != 3 {
		t.Fatalf("expected 3 seeded products, got %d", len(listed.Products))
	}

	var availability struct {
		Available int `json:"available"`
	}
	if code := call(t, handler, http.MethodGet, "/api/v1/products/prod-iphone13/availability", cashier, nil, &availability); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if availability.Available != 2 {
		t.Fatalf("expected 2 available units, got %d", availability.Available)
	}

	if code := call(t, handler, http.MethodGet, "/api/v1/products/prod-missing", cashier, nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", code)
	}

	create := domain.ProductCreateRequest{Name: "USB-C Cable", TrackingMode: domain.TrackingQuantity}
	if code := call(t, handler, http.MethodPost, "/api/v1/products", cashier, create, nil); code != http.StatusForbidden {
		t.Fatalf("expected cashier product create to be 403, got %d", code)
	}

	admin := login(t, handler, "admin", "admin123")
	var created struct {
		Product domain.Product `json:"product"`
	}
	if code := call(t, handler, http.MethodPost, "/api/v1/products", admin, create, &created); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	receive := domain.StockReceiveRequest{Quantity: 12}
	if code := call(t, handler, http.MethodPost, "/api/v1/products/"+created.Product.ID+"/receive", admin, receive, nil); code != http.StatusOK {
		t.Fatalf("expected receive 200, got %d", code)
	}
}

func TestCartFinalizeFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")

	newCart := func() string {
		var created domain.CartResponse
		if code := call(t, handler, http.MethodPost, "/api/v1/carts", token, nil, &created); code != http.StatusCreated {
			t.Fatalf("expected cart create 201, got %d", code)
		}
		line := domain.CartLineRequest{ProductID: "prod-iphone13", UnitIDs: []string{"unit-ip13-1"}}
		if code := call(t, handler, http.MethodPost, "/api/v1/carts/"+created.Cart.ID+"/lines", token, line, nil); code != http.StatusOK {
			t.Fatalf("expected add line 200, got %d", code)
		}
		return created.Cart.ID
	}
	first := newCart()
	second := newCart()

	finalize := domain.FinalizeRequest{CustomerID: "cus-laura", BranchID: "branch-centro", PaymentMethod: domain.PaymentCash}
	var committed struct {
		State string      `json:"state"`
		Sale  domain.Sale `json:"sale"`
	}
	if code := call(t, handler, http.MethodPost, "/api/v1/carts/"+first+"/finalize", token, finalize, &committed); code != http.StatusCreated {
		t.Fatalf("expected finalize 201, got %d", code)
	}
	if committed.State != "committed" || committed.Sale.InvoiceNumber != "FV-000001" {
		t.Fatalf("unexpected finalize response %+v", committed)
	}

	var failed map[string]any
	if code := call(t, handler, http.MethodPost, "/api/v1/carts/"+second+"/finalize", token, finalize, &failed); code != http.StatusConflict {
		t.Fatalf("expected finalize of sold unit to be 409, got %d", code)
	}
	if failed["reason"] != "insufficient_stock" || failed["state"] != "failed" {
		t.Fatalf("unexpected failure body %v", failed)
	}

	if code := call(t, handler, http.MethodGet, "/api/v1/carts/"+first, token, nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected finalized cart to be gone, got %d", code)
	}
	if code := call(t, handler, http.MethodDelete, "/api/v1/carts/"+second, token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("expected discard 204, got %d", code)
	}

	var page domain.SaleListResponse
	if code := call(t, handler, http.MethodGet, "/api/v1/sales?status=active&payment=cash&from=2000-01-01", token, nil, &page); code != http.StatusOK {
		t.Fatalf("expected sales list 200, got %d", code)
	}
	if page.Total != 1 || page.Sales[0].ID != committed.Sale.ID {
		t.Fatalf("unexpected sales page %+v", page)
	}

	if code := call(t, handler, http.MethodGet, "/api/v1/sales?payment=layaway", token, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown payment filter, got %d", code)
	}
}

func TestCancelSaleRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "admin", "admin123")

	var created domain.CartResponse
	call(t, handler, http.MethodPost, "/api/v1/carts", token, nil, &created)
	call(t, handler, http.MethodPost, "/api/v1/carts/"+created.Cart.ID+"/lines", token, domain.CartLineRequest{ProductID: "prod-glass", Quantity: 2}, nil)
	var committed struct {
		Sale domain.Sale `json:"sale"`
	}
	finalize := domain.FinalizeRequest{CustomerID: "cus-walkin", BranchID: "branch-norte", PaymentMethod: domain.PaymentCard}
	if code := call(t, handler, http.MethodPost, "/api/v1/carts/"+created.Cart.ID+"/finalize", token, finalize, &committed); code != http.StatusCreated {
		t.Fatalf("expected finalize 201, got %d", code)
	}

	path := "/api/v1/sales/" + committed.Sale.ID + "/cancel"
	if code := call(t, handler, http.MethodPost, path, token, domain.CancelSaleRequest{Reason: "typo", ManagerPIN: "000000"}, nil); code != http.StatusForbidden {
		t.Fatalf("expected wrong pin 403, got %d", code)
	}
	if code := call(t, handler, http.MethodPost, path, token, domain.CancelSaleRequest{Reason: "typo", ManagerPIN: "123456"}, nil); code != http.StatusOK {
		t.Fatalf("expected cancel 200, got %d", code)
	}
	if code := call(t, handler, http.MethodPost, path, token, domain.CancelSaleRequest{Reason: "again", ManagerPIN: "123456"}, nil); code != http.StatusConflict {
		t.Fatalf("expected second cancel 409, got %d", code)
	}
}

func TestAdvisorSeesAssignedBranchesOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "advisor", "cashier123")

	var body struct {
		Branches []domain.Branch `json:"branches"`
	}
	if code := call(t, handler, http.MethodGet, "/api/v1/branches", token, nil, &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Branches) != 1 || body.Branches[0].ID != "branch-centro" {
		t.Fatalf("expected only branch-centro, got %+v", body.Branches)
	}

	if code := call(t, handler, http.MethodPost, "/api/v1/sales/any/payments", token, domain.PaymentRequest{}, nil); code != http.StatusForbidden {
		t.Fatalf("expected advisor payment to be 403, got %d", code)
	}
}

func TestCreateCustomerRequiresIdentification(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")

	missing := domain.CustomerCandidate{Name: "Ana Torres"}
	if code := call(t, handler, http.MethodPost, "/api/v1/customers", token, missing, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without identification, got %d", code)
	}

	var resolved domain.CustomerResolution
	if code := call(t, handler, http.MethodPost, "/api/v1/customers/resolve", token, domain.CustomerCandidate{Name: "laura gómez"}, &resolved); code != http.StatusOK {
		t.Fatalf("expected resolve of existing customer 200, got %d", code)
	}
	if resolved.Customer.ID != "cus-laura" || resolved.Created {
		t.Fatalf("unexpected resolution %+v", resolved)
	}
}

func TestMetricsEndpointExposesRequestCounter(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	call(t, handler, http.MethodGet, "/healthz", "", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`route="GET /healthz"`)) {
		t.Fatalf("expected healthz route in metrics output")
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
