package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Behaviors a FakeUpstream can apply to one product
const (
	BehaviorActive    = "active"
	BehaviorInactive  = "inactive"
	BehaviorFail      = "fail"      // HTTP 503 on every attempt
	BehaviorEmpty     = "empty"     // 200 with an empty body
	BehaviorMalformed = "malformed" // 200 with a non-JSON body
	BehaviorNoStatus  = "nostatus"  // 200 with JSON lacking the status field
)

// UpstreamRequest is the body the licensing authority receives
type UpstreamRequest struct {
	Email       string `json:"email"`
	ProductCode string `json:"product_code"`
}

// FakeUpstream is an in-process licensing authority. Products without a
// configured behavior answer inactive.
type FakeUpstream struct {
	Server *httptest.Server

	mu        sync.Mutex
	behaviors map[string]string
	calls     map[string]int
	requests  []UpstreamRequest
}

// NewFakeUpstream starts a fake authority that is closed with the test
func NewFakeUpstream(t *testing.T, behaviors map[string]string) *FakeUpstream {
	t.Helper()

	f := &FakeUpstream{
		behaviors: make(map[string]string),
		calls:     make(map[string]int),
	}
	for product, b := range behaviors {
		f.behaviors[strings.ToUpper(product)] = b
	}

	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)

	return f
}

// URL returns the endpoint to configure as the upstream url
func (f *FakeUpstream) URL() string {
	return f.Server.URL + "/check"
}

// SetBehavior changes how a product answers
func (f *FakeUpstream) SetBehavior(product, behavior string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[strings.ToUpper(product)] = behavior
}

// Calls returns how many requests a product received
func (f *FakeUpstream) Calls(product string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[strings.ToUpper(product)]
}

// TotalCalls returns the number of requests across all products
func (f *FakeUpstream) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Requests returns a copy of every decoded request body
func (f *FakeUpstream) Requests() []UpstreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UpstreamRequest(nil), f.requests...)
}

func (f *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	var req UpstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	product := strings.ToUpper(req.ProductCode)

	f.mu.Lock()
	f.calls[product]++
	f.requests = append(f.requests, req)
	behavior, ok := f.behaviors[product]
	f.mu.Unlock()

	if !ok {
		behavior = BehaviorInactive
	}

	switch behavior {
	case BehaviorFail:
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	case BehaviorEmpty:
		w.WriteHeader(http.StatusOK)
	case BehaviorMalformed:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	case BehaviorNoStatus:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": behavior})
	}
}
