package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
)

func TestHTTPClientRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var query Query
		if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
			t.Errorf("decode query: %v", err)
		}
		if len(query.Filters) != 1 || query.Filters[0].Op != OperatorGt {
			t.Errorf("unexpected filters %#v", query.Filters)
		}
		_ = json.NewEncoder(w).Encode(SelectResponse{Rows: []records.Entity{{"id": "a"}}})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, Token: "token-1", BaseDelay: time.Millisecond})
	rows, err := client.Select(context.Background(), "tasks", Query{Filters: []Filter{Gt("updated_at", "2024-01-01T00:00:00.000Z")}})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID() != "a" {
		t.Fatalf("unexpected rows %#v", rows)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestHTTPClientClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		code     string
		expected Kind
	}{
		{name: "duplicate", status: http.StatusConflict, code: CodeDuplicate, expected: KindDuplicate},
		{name: "not found", status: http.StatusNotFound, code: CodeNotFound, expected: KindNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized, code: CodeUnauthorized, expected: KindAuth},
		{name: "forbidden", status: http.StatusForbidden, code: CodeForbidden, expected: KindPermission},
		{name: "invalid", status: http.StatusBadRequest, code: CodeInvalid, expected: KindValidation},
		{name: "rate limited", status: http.StatusTooManyRequests, expected: KindRateLimit},
		{name: "server", status: http.StatusInternalServerError, code: CodeInternal, expected: KindServer},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: testCase.code, Message: "boom"})
			}))
			defer server.Close()

			client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, MaxRetries: -1})
			_, err := client.Update(context.Background(), "tasks", records.Entity{"title": "x"}, []Filter{Eq("id", "a")})
			if err == nil {
				t.Fatalf("expected error")
			}
			if kind := Classify(err); kind != testCase.expected {
				t.Fatalf("expected %s, got %s (%v)", testCase.expected, kind, err)
			}
			var remoteErr *Error
			if !errors.As(err, &remoteErr) || remoteErr.StatusCode != testCase.status {
				t.Fatalf("expected status %d in error, got %v", testCase.status, err)
			}
		})
	}
}

func TestClassifyTransportFailures(t *testing.T) {
	client := NewHTTPClient(HTTPClientConfig{BaseURL: "http://127.0.0.1:1", MaxRetries: -1})
	_, err := client.ValidateSession(context.Background())
	if err == nil {
		t.Fatalf("expected connection failure")
	}
	if !IsTransient(err) {
		t.Fatalf("expected connection failure to be transient, got %s", Classify(err))
	}
	if Classify(context.DeadlineExceeded) != KindTimeout {
		t.Fatalf("expected deadline to classify as timeout")
	}
	if IsBenign(errors.New("plain")) {
		t.Fatalf("expected plain errors not to be benign")
	}
}

func TestChangeEventRecordMarksHardDeletes(t *testing.T) {
	event := ChangeEvent{Table: "tasks", Type: EventDelete, Old: records.Entity{"id": "a", "title": "x"}}
	record := event.Record()
	if !record.Deleted() || record.ID() != "a" {
		t.Fatalf("expected tombstone image, got %#v", record)
	}
	if event.Old.Deleted() {
		t.Fatalf("expected old image to stay untouched")
	}
}

func TestRetryDelayHonorsRetryAfterCap(t *testing.T) {
	client := NewHTTPClient(HTTPClientConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if delay := client.retryDelay(1, "5"); delay != time.Second {
		t.Fatalf("expected retry-after to be capped, got %s", delay)
	}
	if delay := client.retryDelay(3, ""); delay != 400*time.Millisecond {
		t.Fatalf("expected exponential delay, got %s", delay)
	}
}
