package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/gigmesh/gigmesh/internal/chain"
	"github.com/gigmesh/gigmesh/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeChain implements ChainBackend without touching RPC. Every account
// is funded; transfers just hand out sequence-numbered tx hashes.
type fakeChain struct {
	mu        sync.Mutex
	seq       int
	transfers []string // "from->to:amount" for inspection
}

func (f *fakeChain) nextHash(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("0x%s%d", prefix, f.seq)
}

func (f *fakeChain) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (f *fakeChain) StableBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil // 1000.000000
}

func (f *fakeChain) TransferStable(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.TxResult, error) {
	f.mu.Lock()
	f.transfers = append(f.transfers, to.Hex()+":"+amount.String())
	f.mu.Unlock()
	return &chain.TxResult{TxHash: f.nextHash("transfer")}, nil
}

func (f *fakeChain) Invoke(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, calldata []byte) (*chain.TxResult, error) {
	return &chain.TxResult{TxHash: f.nextHash("invoke")}, nil
}

func (f *fakeChain) PackTransferStable(to common.Address, amount *big.Int) ([]byte, error) {
	return []byte{0xa9, 0x05, 0x9c, 0xbb}, nil
}

func (f *fakeChain) PackApproveStable(spender common.Address, amount *big.Int) ([]byte, error) {
	return []byte{0x09, 0x5e, 0xa7, 0xb3}, nil
}

func (f *fakeChain) PackCreateJob(jobID [32]byte, seller common.Address, amount *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (f *fakeChain) ReleaseJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*chain.TxResult, error) {
	return &chain.TxResult{TxHash: f.nextHash("release")}, nil
}

func (f *fakeChain) RefundJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*chain.TxResult, error) {
	return &chain.TxResult{TxHash: f.nextHash("refund")}, nil
}

func (f *fakeChain) IsDeployed(ctx context.Context, addr common.Address) (bool, error) {
	return false, nil
}

func (f *fakeChain) StableToken() common.Address {
	return common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
}

func (f *fakeChain) EscrowContract() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000e5")
}

func (f *fakeChain) Close() error { return nil }

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		RPCURL:              "https://sepolia.base.org",
		ChainID:             84532,
		StableTokenContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		EscrowMode:          "centralized",
		PlatformKey:         "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		MasterSecret:        "test-master-secret",
		RateLimitRPS:        1000, // Keep multi-request tests under the limit
	}
}

// newTestServer creates a server with a fake chain backend
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithChain(&fakeChain{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// doJSON posts body to path and decodes the JSON response
func doJSON(t *testing.T, s *Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, resp := doJSON(t, s, "GET", "/health", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, _ := doJSON(t, s, "GET", "/health/live", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	code, _ := doJSON(t, s, "GET", "/health/ready", "")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestOrderRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	orderRoutes := map[string]bool{
		"POST:/v1/orders":                false,
		"GET:/v1/orders/:id":             false,
		"POST:/v1/orders/:id/transition": false,
		"POST:/v1/orders/:id/deliver":    false,
		"GET:/v1/agents/:address/orders": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := orderRoutes[key]; ok {
			orderRoutes[key] = true
		}
	}

	for route, found := range orderRoutes {
		if !found {
			t.Errorf("Order route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/agents",
		"GET:/v1/agents/:address",
		"POST:/v1/agents/:address/withdraw",
		"POST:/v1/agents/:address/withdraw/signed",
		"GET:/v1/agents/:address/custody",
		"POST:/v1/agents/:address/cosigners",
		"POST:/v1/gigs",
		"GET:/v1/gigs/:id",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Agent registration tests
// ---------------------------------------------------------------------------

func TestAgentRegistration(t *testing.T) {
	s := newTestServer(t)

	code, resp := doJSON(t, s, "POST", "/v1/agents", `{"kind":"simple"}`)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", code, resp)
	}

	addr, _ := resp["address"].(string)
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("Expected a lowercased account address, got %q", addr)
	}
	if resp["kind"] != "simple" {
		t.Errorf("Expected kind simple, got %v", resp["kind"])
	}

	// The new account is retrievable with balances attached
	code, resp = doJSON(t, s, "GET", "/v1/agents/"+addr, "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", code, resp)
	}
	balances, _ := resp["balances"].(map[string]interface{})
	if balances["stable"] != "1000.000000" {
		t.Errorf("Expected stable balance 1000.000000, got %v", balances["stable"])
	}
}

func TestAgentRegistration_EmptyBodyDefaultsToSimple(t *testing.T) {
	s := newTestServer(t)

	code, resp := doJSON(t, s, "POST", "/v1/agents", "")
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", code, resp)
	}
	if resp["kind"] != "simple" {
		t.Errorf("Expected kind simple, got %v", resp["kind"])
	}
}

func TestAgentRegistration_CustodyWithoutFactory(t *testing.T) {
	s := newTestServer(t)

	code, _ := doJSON(t, s, "POST", "/v1/agents", `{"kind":"custody"}`)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 without an account factory, got %d", code)
	}
}

func TestGetAgent_InvalidAddress(t *testing.T) {
	s := newTestServer(t)

	code, _ := doJSON(t, s, "GET", "/v1/agents/not-an-address", "")
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed address param, got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Order lifecycle over HTTP
// ---------------------------------------------------------------------------

// registerAgent creates an account and returns its address.
func registerAgent(t *testing.T, s *Server) string {
	t.Helper()
	code, resp := doJSON(t, s, "POST", "/v1/agents", `{"kind":"simple"}`)
	if code != http.StatusCreated {
		t.Fatalf("Registration failed: %d %v", code, resp)
	}
	return resp["address"].(string)
}

func createTestGig(t *testing.T, s *Server, seller string) string {
	t.Helper()
	body := fmt.Sprintf(`{
		"seller_addr": %q,
		"title": "Summarize any document",
		"tiers": {
			"basic":    {"price": "5.00", "revisions_max": 1, "delivery_days": 2},
			"standard": {"price": "12.50", "revisions_max": 2, "delivery_days": 3}
		}
	}`, seller)
	code, resp := doJSON(t, s, "POST", "/v1/gigs", body)
	if code != http.StatusCreated {
		t.Fatalf("Gig creation failed: %d %v", code, resp)
	}
	return resp["id"].(string)
}

func TestOrderLifecycle_HappyPath(t *testing.T) {
	s := newTestServer(t)

	buyer := registerAgent(t, s)
	seller := registerAgent(t, s)
	gigID := createTestGig(t, s, seller)

	// Create a paid order
	body := fmt.Sprintf(`{"gig_id":%q,"buyer_addr":%q,"tier":"standard","brief":"Summarize this","pay_now":true}`, gigID, buyer)
	code, resp := doJSON(t, s, "POST", "/v1/orders", body)
	if code != http.StatusCreated {
		t.Fatalf("Order creation failed: %d %v", code, resp)
	}
	orderID := resp["id"].(string)
	if resp["status"] != "pending" {
		t.Errorf("Expected pending, got %v", resp["status"])
	}
	if resp["lock_ref"] == nil || resp["lock_ref"] == "" {
		t.Error("Expected funds locked at creation")
	}
	if resp["price"] != "12.50" {
		t.Errorf("Expected tier price 12.50, got %v", resp["price"])
	}

	// Seller accepts and works
	transition := func(status, actor string) map[string]interface{} {
		b := fmt.Sprintf(`{"status":%q,"actor":%q}`, status, actor)
		code, resp := doJSON(t, s, "POST", "/v1/orders/"+orderID+"/transition", b)
		if code != http.StatusOK {
			t.Fatalf("Transition to %s failed: %d %v", status, code, resp)
		}
		return resp
	}

	transition("accepted", seller)
	transition("in_progress", seller)

	// Seller delivers
	deliverBody := fmt.Sprintf(`{"actor":%q,"payload":"the summary","content_hash":"0xabc123"}`, seller)
	code, resp = doJSON(t, s, "POST", "/v1/orders/"+orderID+"/deliver", deliverBody)
	if code != http.StatusOK {
		t.Fatalf("Deliver failed: %d %v", code, resp)
	}
	if resp["status"] != "delivered" {
		t.Errorf("Expected delivered, got %v", resp["status"])
	}

	// Buyer completes; funds release synchronously through the fake chain
	final := transition("completed", buyer)
	if final["status"] != "completed" {
		t.Errorf("Expected completed, got %v", final["status"])
	}
	if final["release_ref"] == nil || final["release_ref"] == "" {
		t.Error("Expected a release reference after completion")
	}
	if final["refund_ref"] != nil && final["refund_ref"] != "" {
		t.Error("Refund reference must stay empty on release")
	}

	// Seller stats reflect the completion
	code, resp = doJSON(t, s, "GET", "/v1/agents/"+seller+"/stats", "")
	if code != http.StatusOK {
		t.Fatalf("Stats failed: %d %v", code, resp)
	}
	if resp["completed_orders"].(float64) != 1 {
		t.Errorf("Expected 1 completed order, got %v", resp["completed_orders"])
	}
	if resp["lifetime_earnings"] != "12.500000" {
		t.Errorf("Expected lifetime earnings 12.500000, got %v", resp["lifetime_earnings"])
	}
}

func TestOrderLifecycle_CancelRefunds(t *testing.T) {
	s := newTestServer(t)

	buyer := registerAgent(t, s)
	seller := registerAgent(t, s)
	gigID := createTestGig(t, s, seller)

	body := fmt.Sprintf(`{"gig_id":%q,"buyer_addr":%q,"tier":"basic","pay_now":true}`, gigID, buyer)
	code, resp := doJSON(t, s, "POST", "/v1/orders", body)
	if code != http.StatusCreated {
		t.Fatalf("Order creation failed: %d %v", code, resp)
	}
	orderID := resp["id"].(string)

	code, resp = doJSON(t, s, "POST", "/v1/orders/"+orderID+"/transition",
		fmt.Sprintf(`{"status":"cancelled","actor":%q}`, buyer))
	if code != http.StatusOK {
		t.Fatalf("Cancel failed: %d %v", code, resp)
	}
	if resp["refund_ref"] == nil || resp["refund_ref"] == "" {
		t.Error("Expected a refund reference after cancellation")
	}
	if resp["release_ref"] != nil && resp["release_ref"] != "" {
		t.Error("Release reference must stay empty on refund")
	}
}

func TestOrderTransition_InvalidRejected(t *testing.T) {
	s := newTestServer(t)

	buyer := registerAgent(t, s)
	seller := registerAgent(t, s)
	gigID := createTestGig(t, s, seller)

	body := fmt.Sprintf(`{"gig_id":%q,"buyer_addr":%q,"tier":"basic"}`, gigID, buyer)
	code, resp := doJSON(t, s, "POST", "/v1/orders", body)
	if code != http.StatusCreated {
		t.Fatalf("Order creation failed: %d %v", code, resp)
	}
	orderID := resp["id"].(string)

	// pending → completed is not in the transition table
	code, _ = doJSON(t, s, "POST", "/v1/orders/"+orderID+"/transition",
		fmt.Sprintf(`{"status":"completed","actor":%q}`, buyer))
	if code != http.StatusConflict {
		t.Errorf("Expected 409 for invalid transition, got %d", code)
	}

	// Unknown status is a validation error
	code, _ = doJSON(t, s, "POST", "/v1/orders/"+orderID+"/transition",
		fmt.Sprintf(`{"status":"shipped","actor":%q}`, buyer))
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown status, got %d", code)
	}
}

func TestOrderCreate_SelfOrderRejected(t *testing.T) {
	s := newTestServer(t)

	seller := registerAgent(t, s)
	gigID := createTestGig(t, s, seller)

	body := fmt.Sprintf(`{"gig_id":%q,"buyer_addr":%q,"tier":"basic"}`, gigID, seller)
	code, _ := doJSON(t, s, "POST", "/v1/orders", body)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for self order, got %d", code)
	}
}

func TestOrderCreate_UnknownGig(t *testing.T) {
	s := newTestServer(t)

	buyer := registerAgent(t, s)
	body := fmt.Sprintf(`{"gig_id":"gig_missing","buyer_addr":%q,"tier":"basic"}`, buyer)
	code, _ := doJSON(t, s, "POST", "/v1/orders", body)
	if code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown gig, got %d", code)
	}
}

func TestDeliver_OnlySeller(t *testing.T) {
	s := newTestServer(t)

	buyer := registerAgent(t, s)
	seller := registerAgent(t, s)
	gigID := createTestGig(t, s, seller)

	body := fmt.Sprintf(`{"gig_id":%q,"buyer_addr":%q,"tier":"basic"}`, gigID, buyer)
	_, resp := doJSON(t, s, "POST", "/v1/orders", body)
	orderID := resp["id"].(string)

	doJSON(t, s, "POST", "/v1/orders/"+orderID+"/transition",
		fmt.Sprintf(`{"status":"accepted","actor":%q}`, seller))
	doJSON(t, s, "POST", "/v1/orders/"+orderID+"/transition",
		fmt.Sprintf(`{"status":"in_progress","actor":%q}`, seller))

	code, _ := doJSON(t, s, "POST", "/v1/orders/"+orderID+"/deliver",
		fmt.Sprintf(`{"actor":%q,"payload":"not my work"}`, buyer))
	if code != http.StatusForbidden {
		t.Errorf("Expected 403 when buyer delivers, got %d", code)
	}
}

func TestListAgentOrders(t *testing.T) {
	s := newTestServer(t)

	buyer := registerAgent(t, s)
	seller := registerAgent(t, s)
	gigID := createTestGig(t, s, seller)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"gig_id":%q,"buyer_addr":%q,"tier":"basic"}`, gigID, buyer)
		code, resp := doJSON(t, s, "POST", "/v1/orders", body)
		if code != http.StatusCreated {
			t.Fatalf("Order creation failed: %d %v", code, resp)
		}
	}

	code, resp := doJSON(t, s, "GET", "/v1/agents/"+buyer+"/orders", "")
	if code != http.StatusOK {
		t.Fatalf("List failed: %d %v", code, resp)
	}
	if resp["count"].(float64) != 3 {
		t.Errorf("Expected 3 orders, got %v", resp["count"])
	}

	code, resp = doJSON(t, s, "GET", "/v1/agents/"+seller+"/orders?limit=2", "")
	if code != http.StatusOK {
		t.Fatalf("List failed: %d %v", code, resp)
	}
	if resp["count"].(float64) != 2 {
		t.Errorf("Expected limit 2 respected, got %v", resp["count"])
	}
}

// ---------------------------------------------------------------------------
// Withdrawals
// ---------------------------------------------------------------------------

func TestWithdraw(t *testing.T) {
	s := newTestServer(t)

	agent := registerAgent(t, s)
	body := `{"to":"0xBBbB000000000000000000000000000000000002","amount":"1.50"}`
	code, resp := doJSON(t, s, "POST", "/v1/agents/"+agent+"/withdraw", body)
	if code != http.StatusOK {
		t.Fatalf("Withdraw failed: %d %v", code, resp)
	}
	if resp["tx_hash"] == nil || resp["tx_hash"] == "" {
		t.Error("Expected a tx hash")
	}
}

func TestWithdraw_UnknownAccount(t *testing.T) {
	s := newTestServer(t)

	body := `{"to":"0xBBbB000000000000000000000000000000000002","amount":"1.50"}`
	code, _ := doJSON(t, s, "POST", "/v1/agents/0xaaaa000000000000000000000000000000000001/withdraw", body)
	if code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown account, got %d", code)
	}
}

func TestCustody_NotCustodyAccount(t *testing.T) {
	s := newTestServer(t)

	agent := registerAgent(t, s)
	code, _ := doJSON(t, s, "GET", "/v1/agents/"+agent+"/custody", "")
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for simple account, got %d", code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
