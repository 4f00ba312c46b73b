package generate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"imagebot/pkg/envelope"
)

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, 5*time.Second)
	art, err := g.Generate(context.Background(), envelope.Payload{Prompt: "a red fox"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if art.MIME != "image/png" || string(art.Data) != "png-bytes" {
		t.Fatalf("unexpected artifact: %+v", art)
	}
}

func TestGenerateErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
		{"invalid prompt", http.StatusBadRequest, true},
		{"content policy", http.StatusUnprocessableEntity, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.name, tt.status)
			}))
			defer srv.Close()

			g := NewHTTPGenerator(srv.URL, 5*time.Second)
			_, err := g.Generate(context.Background(), envelope.Payload{Prompt: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsPermanent(err); got != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v (err: %v)", got, tt.permanent, err)
			}
		})
	}
}

func TestGenerateNetworkErrorIsTransient(t *testing.T) {
	g := NewHTTPGenerator("http://127.0.0.1:1", time.Second)
	_, err := g.Generate(context.Background(), envelope.Payload{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatalf("network error must be transient: %v", err)
	}
}

func TestReasonSurvivesWrapping(t *testing.T) {
	err := Permanentf("prompt rejected by safety filter")
	if Reason(err) != "prompt rejected by safety filter" {
		t.Fatalf("unexpected reason: %q", Reason(err))
	}
}
