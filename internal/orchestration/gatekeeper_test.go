package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPGatekeeper_Orchestrate(t *testing.T) {
	t.Parallel()
	var got gatekeeperRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding gatekeeper request: %v", err)
		}
		json.NewEncoder(w).Encode(gatekeeperResponse{
			Results: []MatchedService{{Provider: "RemoteProvider", ServiceDefinition: "temperature"}},
		})
	}))
	defer srv.Close()

	gk := NewHTTPGatekeeper(srv.URL, 2*time.Second)
	form := &Form{
		RequesterSystem:   "CarManager",
		TargetSystem:      "CarManager",
		ServiceDefinition: "temperature",
	}

	results, err := gk.Orchestrate(context.Background(), form)
	if err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}

	if got.ServiceDefinition != "temperature" || got.RequesterSystem != "CarManager" {
		t.Errorf("unexpected outbound request: %+v", got)
	}
	if len(results) != 1 || results[0].Provider != "RemoteProvider" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestHTTPGatekeeper_ErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "negotiation failed", http.StatusBadGateway)
	}))
	defer srv.Close()

	gk := NewHTTPGatekeeper(srv.URL, 2*time.Second)
	if _, err := gk.Orchestrate(context.Background(), &Form{}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
