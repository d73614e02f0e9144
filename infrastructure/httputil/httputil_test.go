package httputil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, 201, map[string]string{"ok": "yes"})

	if rr.Code != 201 {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
	if body := rr.Body.String(); body != "{\"ok\":\"yes\"}\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestWriteErrorResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, nil, 500, "", "boom", map[string]any{"field": "x"})

	if rr.Code != 500 {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if body := rr.Body.String(); body == "" {
		t.Fatalf("expected non-empty body")
	}
}

func TestWriteErrorResponse_DefaultsCodeFromStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, nil, 404, "", "not found", nil)

	var got ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Code != "HTTP_404" {
		t.Fatalf("code = %q, want HTTP_404", got.Code)
	}
}
