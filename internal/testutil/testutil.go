// Package testutil provides common test utilities shared across packages.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beborico1/whatsapp-scheduler/internal/api"
	"github.com/beborico1/whatsapp-scheduler/internal/broker"
	"github.com/beborico1/whatsapp-scheduler/internal/control"
	"github.com/beborico1/whatsapp-scheduler/internal/models"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
)

// TestEnv bundles the in-memory dependencies behind a test API server.
type TestEnv struct {
	Server *api.Server
	Store  *store.InMemoryStore
	Broker *broker.MemoryBroker
	Ctrl   *control.Controller
}

// NewTestEnv creates a test API server with in-memory dependencies. This
// centralizes the wiring used across handler tests.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	bk := broker.NewMemoryBroker(0)
	t.Cleanup(func() { bk.Close() })
	ctrl := control.New(st, bk)
	return &TestEnv{
		Server: api.NewServer(st, ctrl),
		Store:  st,
		Broker: bk,
		Ctrl:   ctrl,
	}
}

// SeedGroup creates a message, a group, and the given recipients, returning
// the message and group IDs.
func (e *TestEnv) SeedGroup(t *testing.T, body string, phones ...string) (messageID, groupID string) {
	t.Helper()
	ctx := context.Background()
	messageID = "msg_test"
	groupID = "grp_test"
	if err := e.Store.CreateMessage(ctx, models.Message{ID: messageID, Title: "test", Body: body}); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
	if err := e.Store.CreateGroup(ctx, models.RecipientGroup{ID: groupID, Name: "test group"}); err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}
	for i, phone := range phones {
		r := models.Recipient{ID: string(rune('a'+i)) + "_recipient", Name: "Recipient", Phone: phone}
		if err := e.Store.CreateRecipient(ctx, r); err != nil {
			t.Fatalf("failed to seed recipient: %v", err)
		}
		if err := e.Store.AddGroupMember(ctx, groupID, r.ID); err != nil {
			t.Fatalf("failed to add group member: %v", err)
		}
	}
	return messageID, groupID
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it
// doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
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

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
