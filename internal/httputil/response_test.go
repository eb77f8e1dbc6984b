package httputil

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/wattwise/energy-monitor/internal/errors"
)

func TestWriteErrorMergesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := apperrors.NotFound("No trained model found").WithDetails("requiresData", true)

	WriteError(rec, httptest.NewRequest(http.MethodGet, "/prediction", nil), err)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "No trained model found" || body["requiresData"] != true || body["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestWriteErrorPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, stderrors.New("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("internal cause must not leak: %s", rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Threshold float64 `json:"threshold"`
	}
	req := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(`{"threshold": 12.5}`))
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.Threshold != 12.5 {
		t.Fatalf("threshold = %v", dst.Threshold)
	}

	req = httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(`{`))
	err := DecodeJSON(req, &dst)
	if !apperrors.Is(err, apperrors.CodeBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(""))
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("empty body should decode to nothing: %v", err)
	}
}

func TestWriteMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteMessage(rec, http.StatusOK, "Threshold set successfully")
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), `"message":"Threshold set successfully"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
