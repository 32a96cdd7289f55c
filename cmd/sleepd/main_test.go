package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusHandlerAppliesPayloadAndPushesResult(t *testing.T) {
	var got bool
	handler := statusHandler(func(payload []byte, current bool) bool {
		if string(payload) != `{"state":"off"}` {
			t.Fatalf("unexpected payload: %s", payload)
		}
		return false
	}, func() bool { return true }, func(v bool) { got = v })

	req := httptest.NewRequest(http.MethodPost, "/status/display", strings.NewReader(`{"state":"off"}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got {
		t.Fatalf("expected the decoded value to be pushed into set()")
	}
}

func TestStatusHandlerRejectsNonPost(t *testing.T) {
	handler := statusHandler(func([]byte, bool) bool { return true }, func() bool { return false }, func(bool) {})
	req := httptest.NewRequest(http.MethodGet, "/status/display", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
