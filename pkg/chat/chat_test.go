package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		MessageID: "msg123",
		Channel:   "C42",
		Requester: "U7",
		Action:    "generate",
		Prompt:    "a fox in the snow",
	}
}

func TestEventValidation(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing message id", func(e *Event) { e.MessageID = "" }},
		{"missing channel", func(e *Event) { e.Channel = "" }},
		{"missing prompt", func(e *Event) { e.Prompt = "" }},
		{"unknown action", func(e *Event) { e.Action = "delete_everything" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(&e)
			if err := e.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWebhookPosterSuccess(t *testing.T) {
	var got postBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookPoster(srv.URL, 5*time.Second)
	err := p.Post(context.Background(), "C42", Result{
		Fingerprint: "msg123:generate",
		ArtifactURL: "https://storage.googleapis.com/b/artifacts/msg123_generate.png",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got.Channel != "C42" || got.Image == "" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestWebhookPosterFailureNotice(t *testing.T) {
	var got postBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	p := NewWebhookPoster(srv.URL, 5*time.Second)
	err := p.Post(context.Background(), "C42", Result{
		Fingerprint:   "msg123:generate",
		FailureReason: "prompt rejected",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got.Image != "" || got.Text == "" {
		t.Fatalf("failure notice should carry text only: %+v", got)
	}
}

func TestWebhookPosterErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewWebhookPoster(srv.URL, 5*time.Second)
	if err := p.Post(context.Background(), "C42", Result{Fingerprint: "f"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
