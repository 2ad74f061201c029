package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "counsel/shared/contracts/stream/v1"
)

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := BearerToken(r); got != tc.want {
			t.Fatalf("BearerToken(%q)=%q want=%q", tc.header, got, tc.want)
		}
	}
}

func TestWriteError_Envelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "not_found", "session not found")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	var body v1.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "not_found" || body.Error.Message != "session not found" {
		t.Fatalf("body=%+v", body)
	}
}

func TestWriteRateLimited_RetryAfter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteRateLimited(rec, 200*time.Millisecond)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("code=%d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type in struct {
		Message string `json:"message"`
	}
	cases := []struct {
		body    string
		wantErr bool
	}{
		{`{"message":"hi"}`, false},
		{`{"message":"hi","extra":1}`, true},
		{`{"message":"hi"}{}`, true},
		{`not json`, true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		var dst in
		err := DecodeJSON(httptest.NewRecorder(), r, 1<<10, &dst)
		if (err != nil) != tc.wantErr {
			t.Fatalf("DecodeJSON(%s) err=%v wantErr=%v", tc.body, err, tc.wantErr)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIP(r, false).String(); got != "10.0.0.1" {
		t.Fatalf("untrusted ClientIP=%s", got)
	}
	if got := ClientIP(r, true).String(); got != "203.0.113.9" {
		t.Fatalf("trusted ClientIP=%s", got)
	}
}
