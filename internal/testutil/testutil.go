// Package testutil provides common test utilities and helpers for ComplaintPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/api"
	"github.com/BTreeMap/ComplaintPipe/internal/intake"
	"github.com/BTreeMap/ComplaintPipe/internal/messaging"
	"github.com/BTreeMap/ComplaintPipe/internal/models"
	"github.com/BTreeMap/ComplaintPipe/internal/pairing"
	"github.com/BTreeMap/ComplaintPipe/internal/store"
	"github.com/BTreeMap/ComplaintPipe/internal/twiliowhatsapp"
)

// TB is the subset of testing.TB used by the helpers, so they can be tested
// against a recorder.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// StubClassifier returns a fixed classification and records its inputs.
type StubClassifier struct {
	mu     sync.Mutex
	Result models.Classification
	Err    error
	Calls  []ClassifyCall
}

// ClassifyCall is one recorded Classify invocation.
type ClassifyCall struct {
	Text     string
	ImageURL string
}

func (s *StubClassifier) Classify(ctx context.Context, text, imageURL string) (models.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, ClassifyCall{Text: text, ImageURL: imageURL})
	if s.Err != nil {
		return models.Classification{}, s.Err
	}
	return s.Result, nil
}

// Recorded returns a copy of the recorded calls.
func (s *StubClassifier) Recorded() []ClassifyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ClassifyCall(nil), s.Calls...)
}

// Harness bundles a test server with the in-memory collaborators behind it.
type Harness struct {
	Server     *api.Server
	Processor  *intake.Processor
	Store      *store.InMemoryStore
	Window     *pairing.WindowedStore
	Classifier *StubClassifier
	Acks       *twiliowhatsapp.MockClient
}

// NewTestServer creates a test API server backed by a real pairing core and
// processor, an in-memory archive, a stub classifier and a mock Twilio sender.
// Signature checks are disabled unless opts configure them.
func NewTestServer(opts ...api.Option) *Harness {
	window := pairing.NewWindowedStore()
	dedup := pairing.NewDedupSet(pairing.DefaultDedupMaxSize)
	policy := pairing.NewPolicy(window)
	st := store.NewInMemoryStore()
	classifier := &StubClassifier{Result: models.Classification{
		Category:   "street_lighting",
		Urgency:    models.UrgencyMedium,
		Department: "electrical",
		Summary:    "broken street light",
	}}
	acks := twiliowhatsapp.NewMockClient()
	proc := intake.NewProcessor(dedup, policy, window, classifier,
		intake.WithWriters(store.NewArchiveWriter(st)),
		intake.WithAcknowledger(messaging.NewTwilioService(acks), messaging.AckText),
	)
	return &Harness{
		Server:     api.NewServer(proc, st, opts...),
		Processor:  proc,
		Store:      st,
		Window:     window,
		Classifier: classifier,
		Acks:       acks,
	}
}

// Drain waits for the processor's background work to finish.
func (h *Harness) Drain(t TB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Processor.Wait(ctx); err != nil {
		t.Fatalf("processor did not drain: %v", err)
	}
}

// Do serves req through the harness server and returns the recorder.
func (h *Harness) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.Server.Handler().ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, target string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, target, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateFormRequest creates a form-encoded POST request, as Twilio sends them.
func CreateFormRequest(t TB, target string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// AssertComplaintCount validates the number of rows in the archive.
func AssertComplaintCount(t TB, st store.Store, expected int, desc string) []models.ComplaintRow {
	t.Helper()
	rows, err := st.GetComplaints(context.Background(), store.DefaultListLimit)
	if err != nil {
		t.Fatalf("%s: failed to get complaints: %v", desc, err)
		return nil
	}
	if len(rows) != expected {
		t.Errorf("%s: expected %d complaints, got %d", desc, expected, len(rows))
	}
	return rows
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
