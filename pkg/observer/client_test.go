package observer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/civitas-gov/civitas/pkg/observer"
)

var ctx = context.Background()

func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/events/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"sequence": 7,
			"event_id": "00000000-0000-0000-0000-000000000007",
			"event_type": "vote.cast",
			"payload": {"choice":"aye"},
			"agent_id": "agent-1",
			"agent_signature": "c2ln",
			"signing_key_id": "agent-key-1",
			"content_hash": "aa11",
			"prev_hash": "bb22",
			"witness_id": "W1",
			"witness_signature": "YXR0",
			"local_timestamp": "2026-01-02T03:04:05Z"
		}`))
	})
	mux.HandleFunc("/api/v1/events/3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sequence": 3, "event_type": "petition.created"}`))
	})
	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events": [{"sequence":1},{"sequence":2}], "count": 2}`))
	})
	mux.HandleFunc("/api/v1/verify", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("start") != "" {
			_, _ = w.Write([]byte(`{"contiguous": false, "missing": [4]}`))
			return
		}
		_, _ = w.Write([]byte(`{"valid": true}`))
	})
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"max_sequence": 7, "head_hash": "aa11", "halted": true, "halt_reason": "gap"}`))
	})
	return httptest.NewServer(mux)
}

func TestClient_Latest(t *testing.T) {
	srv := newStubServer(t)
	defer srv.Close()
	client := observer.New(srv.URL)

	event, err := client.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if event.Sequence != 7 || event.WitnessID != "W1" {
		t.Errorf("latest: %+v", event)
	}
	if event.ContentHash != "aa11" || event.PrevHash != "bb22" {
		t.Error("hash fields must survive the round trip")
	}
}

func TestClient_EventBySequence(t *testing.T) {
	srv := newStubServer(t)
	defer srv.Close()

	event, err := observer.New(srv.URL).EventBySequence(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if event.Sequence != 3 {
		t.Errorf("sequence: %d", event.Sequence)
	}
}

func TestClient_Events(t *testing.T) {
	srv := newStubServer(t)
	defer srv.Close()

	events, err := observer.New(srv.URL).Events(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}

func TestClient_VerifyAndContinuity(t *testing.T) {
	srv := newStubServer(t)
	defer srv.Close()
	client := observer.New(srv.URL)

	result, err := client.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Error("expected valid chain")
	}

	result, err = client.VerifyContinuity(ctx, 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Contiguous || len(result.Missing) != 1 || result.Missing[0] != 4 {
		t.Errorf("continuity result: %+v", result)
	}
}

func TestClient_Status(t *testing.T) {
	srv := newStubServer(t)
	defer srv.Close()

	status, err := observer.New(srv.URL).Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.MaxSequence != 7 || !status.Halted || status.HaltReason != "gap" {
		t.Errorf("status: %+v", status)
	}
}

func TestClient_errorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "event not found"}`))
	}))
	defer srv.Close()

	_, err := observer.New(srv.URL).Latest(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "event not found") {
		t.Errorf("error should carry the server message: %v", err)
	}
}
