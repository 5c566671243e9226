package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RPCHandler answers one inference call. A non-zero status is written as an
// HTTP error instead of a result.
type RPCHandler func(params json.RawMessage) (result any, status int)

// RPCServer is a fake inference service speaking the RPC bridge wire format.
type RPCServer struct {
	*httptest.Server

	mu       sync.Mutex
	health   int
	handlers map[string]RPCHandler
	params   map[string][]json.RawMessage
}

// NewRPCServer starts a fake inference service closed at test cleanup.
func NewRPCServer(t testing.TB) *RPCServer {
	t.Helper()
	s := &RPCServer{
		health:   http.StatusOK,
		handlers: make(map[string]RPCHandler),
		params:   make(map[string][]json.RawMessage),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle registers h for method.
func (s *RPCServer) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// HandleHealth sets the status code returned by /healthz.
func (s *RPCServer) HandleHealth(status int) {
	s.mu.Lock()
	s.health = status
	s.mu.Unlock()
}

// Respond registers a fixed successful result for method.
func (s *RPCServer) Respond(method string, result any) {
	s.Handle(method, func(json.RawMessage) (any, int) { return result, 0 })
}

// Calls returns the number of calls received for method.
func (s *RPCServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params[method])
}

// LastParams decodes the params of the most recent call to method into v.
func (s *RPCServer) LastParams(t testing.TB, method string, v any) {
	t.Helper()
	s.mu.Lock()
	calls := s.params[method]
	s.mu.Unlock()
	if len(calls) == 0 {
		t.Fatalf("no %s calls recorded", method)
	}
	if err := json.Unmarshal(calls[len(calls)-1], v); err != nil {
		t.Fatalf("decode %s params: %v", method, err)
	}
}

func (s *RPCServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		s.mu.Lock()
		status := s.health
		s.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/v1/")
	var req struct {
		ID     string          `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	handler, ok := s.handlers[method]
	s.params[method] = append(s.params[method], req.Params)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown method "+method, http.StatusNotFound)
		return
	}

	result, status := handler(req.Params)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": result})
}
