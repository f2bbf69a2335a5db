package osd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// mockResponse is a canned reply for one "METHOD /path" key.
type mockResponse struct {
	StatusCode int
	Body       any
	Raw        string
}

// mockRequest is a captured inbound request.
type mockRequest struct {
	Method  string
	Path    string
	Query   string
	Body    string
	Headers map[string]string
}

// mockBackend fakes the token and order endpoints.
type mockBackend struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string]mockResponse
	requests  []mockRequest
}

func newMockBackend() *mockBackend {
	m := &mockBackend{responses: make(map[string]mockResponse)}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

func (m *mockBackend) Close()               { m.server.Close() }
func (m *mockBackend) URL() string          { return m.server.URL }
func (m *mockBackend) client() *http.Client { return m.server.Client() }

func (m *mockBackend) respond(method, path string, status int, body any) {
	m.mu.Lock()
	m.responses[method+" "+path] = mockResponse{StatusCode: status, Body: body}
	m.mu.Unlock()
}

func (m *mockBackend) respondRaw(method, path string, status int, raw string) {
	m.mu.Lock()
	m.responses[method+" "+path] = mockResponse{StatusCode: status, Raw: raw}
	m.mu.Unlock()
}

func (m *mockBackend) Requests() []mockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockRequest(nil), m.requests...)
}

func (m *mockBackend) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	headers := make(map[string]string)
	for key, values := range r.Header {
		headers[key] = strings.Join(values, ", ")
	}

	m.mu.Lock()
	m.requests = append(m.requests, mockRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Body:    string(body),
		Headers: headers,
	})
	response, ok := m.responses[fmt.Sprintf("%s %s", r.Method, r.URL.Path)]
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "endpoint not found"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.StatusCode)
	switch {
	case response.Raw != "":
		_, _ = io.WriteString(w, response.Raw)
	case response.Body != nil:
		_ = json.NewEncoder(w).Encode(response.Body)
	}
}
