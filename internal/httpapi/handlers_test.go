package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"clubops/backend/internal/cache"
	"clubops/backend/internal/domain"
	"clubops/backend/internal/service"
	"clubops/backend/internal/store/memory"
)

// newTestAPI builds a full API with the in-memory store, a real
// AuthManager and a real Service so handler tests exercise the complete
// request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	svc := service.New(repo, cache.NoopBoardCache{}, logger, service.Options{})
	auth := NewAuthManager("handler-test-secret-change-me-now", time.Hour)

	return New(svc, auth, "*", logger)
}

func login(t *testing.T, handler http.Handler, pin string) domain.LoginResponse {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{"pin": pin})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token request failed: %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	if body["csrf_token"] == "" {
		t.Fatalf("empty csrf token")
	}
	return body["csrf_token"]
}

// do sends an authenticated request with the CSRF token attached and
// returns the recorder.
func do(t *testing.T, handler http.Handler, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := do(t, handler, http.MethodGet, "/healthz", "", "", nil)
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

func TestHandleLoginSuccess(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	resp := login(t, handler, "1234")
	if resp.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected seeded admin, got role %s", resp.Role)
	}
	if resp.ShiftID == 0 {
		t.Fatalf("expected a shift id in the login response")
	}
}

func TestHandleLoginInvalidPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{"pin": "9999"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestBoardRequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := do(t, handler, http.MethodGet, "/api/v1/board", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/board", "garbage-token", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestSaleEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := login(t, handler, "1234").AccessToken
	csrf := csrfToken(t, handler)

	// Look up seeded products and hosts through the API itself.
	rec := do(t, handler, http.MethodGet, "/api/v1/products", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list products: %d %s", rec.Code, rec.Body.String())
	}
	var productList struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&productList); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	var vodka domain.Product
	for _, p := range productList.Products {
		if p.Name == "Vodka Shot" {
			vodka = p
		}
	}
	if vodka.ID == 0 {
		t.Fatalf("vodka not in product list")
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/hosts", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list hosts: %d %s", rec.Code, rec.Body.String())
	}
	var hostList struct {
		Hosts []domain.Host `json:"hosts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&hostList); err != nil {
		t.Fatalf("decode hosts: %v", err)
	}
	if len(hostList.Hosts) == 0 {
		t.Fatalf("no seeded hosts")
	}
	host := hostList.Hosts[0]

	rec = do(t, handler, http.MethodPost, "/api/v1/checkins", token, csrf, map[string]any{
		"client_name":       "Walk In",
		"consumable_credit": "50",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("check in: %d %s", rec.Code, rec.Body.String())
	}
	var checkIn domain.CheckInResponse
	if err := json.NewDecoder(rec.Body).Decode(&checkIn); err != nil {
		t.Fatalf("decode check-in: %v", err)
	}

	rec = do(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"visit_id": checkIn.Visit.ID,
		"host_id":  host.ID,
		"cart": []map[string]any{
			{"product_id": vodka.ID, "quantity": "3"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record sale: %d %s", rec.Code, rec.Body.String())
	}
	var sale domain.SaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&sale); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if !sale.TotalSaleAmount.Equal(decimalFromString(t, "27.00")) {
		t.Fatalf("expected total 27.00, got %s", sale.TotalSaleAmount)
	}
	if !sale.CreditUsed.Equal(decimalFromString(t, "27.00")) || !sale.CashDue.IsZero() {
		t.Fatalf("expected all-credit split, got credit=%s cash=%s", sale.CreditUsed, sale.CashDue)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/visits/"+itoa(checkIn.Visit.ID)+"/sales", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list visit sales: %d %s", rec.Code, rec.Body.String())
	}
	var salesList struct {
		Sales []domain.Sale `json:"sales"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&salesList); err != nil {
		t.Fatalf("decode sales: %v", err)
	}
	if len(salesList.Sales) != 1 {
		t.Fatalf("expected 1 sale row, got %d", len(salesList.Sales))
	}

	rec = do(t, handler, http.MethodPost, "/api/v1/visits/"+itoa(checkIn.Visit.ID)+"/close", token, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close visit: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, handler, http.MethodPost, "/api/v1/visits/"+itoa(checkIn.Visit.ID)+"/close", token, csrf, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second close, got %d", rec.Code)
	}
}

func TestVisitRouteValidation(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "1234").AccessToken

	rec := do(t, handler, http.MethodGet, "/api/v1/visits/abc", token, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", rec.Code)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/visits/999999", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown visit, got %d", rec.Code)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/visits/1/party", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestSaleRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "1234").AccessToken
	csrf := csrfToken(t, handler)

	rec := do(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"visit_id": 1,
		"host_id":  1,
		"cart":     []map[string]any{},
		"discount": "0.5",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestStockMovementEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "1234").AccessToken
	csrf := csrfToken(t, handler)

	rec := do(t, handler, http.MethodGet, "/api/v1/inventory/items", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list items: %d %s", rec.Code, rec.Body.String())
	}
	var itemList struct {
		Items []domain.InventoryItem `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&itemList); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(itemList.Items) == 0 {
		t.Fatalf("no seeded inventory items")
	}
	item := itemList.Items[0]

	rec = do(t, handler, http.MethodPost, "/api/v1/stock/movements", token, csrf, map[string]any{
		"inventory_item_id":         item.ID,
		"movement_type":             "purchase",
		"quantity_in_storage_units": "1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record movement: %d %s", rec.Code, rec.Body.String())
	}
	var movement domain.StockMovementResponse
	if err := json.NewDecoder(rec.Body).Decode(&movement); err != nil {
		t.Fatalf("decode movement: %v", err)
	}
	if !movement.QuantityChangeInSmallest.Equal(item.StorageUnitSizeInSmallest) {
		t.Fatalf("expected one storage unit stored, got %s", movement.QuantityChangeInSmallest)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/stock/movements?item_id="+itoa(item.ID)+"&limit=10", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list movements: %d %s", rec.Code, rec.Body.String())
	}
	var history struct {
		Movements []domain.StockLedgerEntry `json:"movements"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode movements: %v", err)
	}
	if len(history.Movements) == 0 {
		t.Fatalf("expected the recorded movement in history")
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/stock/movements", token, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without item_id, got %d", rec.Code)
	}
}

func TestPromotionsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "1234").AccessToken
	csrf := csrfToken(t, handler)

	rec := do(t, handler, http.MethodPost, "/api/v1/promotions", token, csrf, map[string]any{
		"title":      "Ladies Night",
		"body":       "Half-price champagne until midnight",
		"expires_at": time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create promotion: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/promotions", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list promotions: %d %s", rec.Code, rec.Body.String())
	}
	var promoList struct {
		Promotions []domain.Promotion `json:"promotions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&promoList); err != nil {
		t.Fatalf("decode promotions: %v", err)
	}
	if len(promoList.Promotions) != 1 || promoList.Promotions[0].Title != "Ladies Night" {
		t.Fatalf("expected the published bulletin, got %+v", promoList.Promotions)
	}

	rec = do(t, handler, http.MethodPost, "/api/v1/promotions", token, csrf, map[string]any{
		"title": "No Body",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete bulletin, got %d", rec.Code)
	}
}

func TestFinancialsRoleGate(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	serverToken := login(t, handler, "2580").AccessToken
	rec := do(t, handler, http.MethodGet, "/api/v1/financials", serverToken, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for server role, got %d", rec.Code)
	}

	adminToken := login(t, handler, "1234").AccessToken
	rec = do(t, handler, http.MethodGet, "/api/v1/financials", adminToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func errorKindOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error     string `json:"error"`
		ErrorKind string `json:"error_kind"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.ErrorKind == "" {
		t.Fatalf("error response without error_kind: %q", body.Error)
	}
	return body.ErrorKind
}

func TestErrorResponsesCarryKind(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := login(t, handler, "1234").AccessToken
	csrf := csrfToken(t, handler)

	rec := do(t, handler, http.MethodGet, "/api/v1/board", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if kind := errorKindOf(t, rec); kind != "Unauthenticated" {
		t.Fatalf("expected Unauthenticated kind, got %q", kind)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/visits/999999", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if kind := errorKindOf(t, rec); kind != "NotFound" {
		t.Fatalf("expected NotFound kind, got %q", kind)
	}

	serverToken := login(t, handler, "2580").AccessToken
	rec = do(t, handler, http.MethodGet, "/api/v1/financials", serverToken, "", nil)
	if kind := errorKindOf(t, rec); kind != "Forbidden" {
		t.Fatalf("expected Forbidden kind, got %q", kind)
	}

	// A sale against a closed visit and one against an unknown product
	// must be distinguishable without parsing the message.
	checkInRec := do(t, handler, http.MethodPost, "/api/v1/checkins", token, csrf, map[string]any{
		"client_name": "Kind Probe",
	})
	if checkInRec.Code != http.StatusCreated {
		t.Fatalf("check in: %d %s", checkInRec.Code, checkInRec.Body.String())
	}
	var checkIn domain.CheckInResponse
	if err := json.NewDecoder(checkInRec.Body).Decode(&checkIn); err != nil {
		t.Fatalf("decode check-in: %v", err)
	}

	hostsRec := do(t, handler, http.MethodGet, "/api/v1/hosts", token, "", nil)
	var hostList struct {
		Hosts []domain.Host `json:"hosts"`
	}
	if err := json.NewDecoder(hostsRec.Body).Decode(&hostList); err != nil {
		t.Fatalf("decode hosts: %v", err)
	}
	if len(hostList.Hosts) == 0 {
		t.Fatalf("no seeded hosts")
	}

	rec = do(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"visit_id": checkIn.Visit.ID,
		"host_id":  hostList.Hosts[0].ID,
		"cart":     []map[string]any{{"product_id": 424242, "quantity": "1"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown product, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if kind := errorKindOf(t, rec); kind != "UnknownProductError" {
		t.Fatalf("expected UnknownProductError kind, got %q", kind)
	}

	rec = do(t, handler, http.MethodPost, "/api/v1/visits/"+itoa(checkIn.Visit.ID)+"/close", token, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close visit: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, handler, http.MethodPost, "/api/v1/visits/"+itoa(checkIn.Visit.ID)+"/close", token, csrf, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for closed visit, got %d", rec.Code)
	}
	if kind := errorKindOf(t, rec); kind != "VisitClosed" {
		t.Fatalf("expected VisitClosed kind, got %q", kind)
	}
}

func TestLogoutInvalidatesShift(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := login(t, handler, "1234").AccessToken
	csrf := csrfToken(t, handler)

	rec := do(t, handler, http.MethodPost, "/api/v1/auth/logout", token, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", rec.Code, rec.Body.String())
	}

	// The token still parses but the shift is closed, so authenticated
	// operations are rejected.
	rec = do(t, handler, http.MethodGet, "/api/v1/board", token, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}
