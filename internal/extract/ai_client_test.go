package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAIClient_ExtractCoercesLooseWireTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req AIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.PostID != "post-1" {
			t.Errorf("PostID = %q", req.PostID)
		}
		// Numbers as strings, boolean as string, a raw date and 12h time:
		// everything the collaborator actually sends.
		w.Write([]byte(`{
			"title": "  Vinyl Night ",
			"eventDate": "2025-12-12",
			"eventTime": "8PM",
			"venueName": "Futur",
			"priceMin": "300",
			"isFree": "false",
			"confidence": "1.4"
		}`))
	}))
	defer srv.Close()

	client := NewAIClient(AIConfig{Endpoint: srv.URL, APIKey: "secret"})
	res, err := client.Extract(context.Background(), AIRequest{Caption: "x", PostID: "post-1"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if res.Title != "Vinyl Night" {
		t.Errorf("Title = %q", res.Title)
	}
	if res.EventDate != "2025-12-12" {
		t.Errorf("EventDate = %q", res.EventDate)
	}
	if res.StartTime != "20:00" {
		t.Errorf("StartTime = %q, want canonical 24h form", res.StartTime)
	}
	if res.PriceMin == nil || *res.PriceMin != 300 {
		t.Errorf("PriceMin = %v", res.PriceMin)
	}
	if res.IsFree == nil || *res.IsFree {
		t.Errorf("IsFree = %v", res.IsFree)
	}
	if res.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want clamped to 1.0", res.Confidence)
	}
}

func TestCoerceAIResponse_AnchorsYearlessDatesAtPostDate(t *testing.T) {
	// Year-less dates resolve against the post date, same as the regex
	// tier, so a December post mentioning January rolls into the next year
	// no matter when the batch is replayed.
	anchor := time.Date(2030, 11, 20, 12, 0, 0, 0, time.UTC)
	wire := &aiWireResponse{
		EventDate:    "Dec 5",
		EventEndDate: "Jan 5",
		Confidence:   json.RawMessage(`0.9`),
	}

	res, err := coerceAIResponse(wire, anchor)
	if err != nil {
		t.Fatalf("coerceAIResponse: %v", err)
	}
	if res.EventDate != "2030-12-05" {
		t.Errorf("EventDate = %q, want 2030-12-05", res.EventDate)
	}
	if res.EventEndDate != "2031-01-05" {
		t.Errorf("EventEndDate = %q, want rolled to 2031-01-05", res.EventEndDate)
	}
}

func TestAIClient_ExtractSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewAIClient(AIConfig{Endpoint: srv.URL, MaxRetries: 0})
	_, err := client.Extract(context.Background(), AIRequest{Caption: "x", PostID: "p"})
	if err == nil {
		t.Fatal("expected error on HTTP 400")
	}
}

func TestAIClient_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"title": "Gig", "confidence": 0.9}`))
	}))
	defer srv.Close()

	client := NewAIClient(AIConfig{Endpoint: srv.URL, MaxRetries: 2})
	res, err := client.Extract(context.Background(), AIRequest{Caption: "x", PostID: "p"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if res.Title != "Gig" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
