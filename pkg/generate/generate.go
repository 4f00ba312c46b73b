package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"imagebot/pkg/envelope"
)

// Artifact is one generated image.
type Artifact struct {
	MIME string
	Data []byte
}

// Generator is the opaque generation capability. Calls may take minutes and
// must respect ctx cancellation so a shutting-down worker can abandon them.
type Generator interface {
	Generate(ctx context.Context, p envelope.Payload) (Artifact, error)
}

// Error classifies a generation failure. Transient errors are retried through
// queue redelivery; permanent ones terminate the job with a user-visible
// failure notice.
type Error struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("generation %s error: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("generation %s error: %s", kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanentf builds a permanent generation error.
func Permanentf(format string, args ...any) error {
	return &Error{Permanent: true, Reason: fmt.Sprintf(format, args...)}
}

// Transientf builds a transient generation error.
func Transientf(format string, args ...any) error {
	return &Error{Permanent: false, Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err is a permanent generation failure. Anything
// unclassified (network errors, timeouts) counts as transient.
func IsPermanent(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Permanent
}

// Reason extracts the human-readable failure reason for the user notice.
func Reason(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return err.Error()
}

// HTTPGenerator calls an image-generation backend over HTTP: prompt JSON in,
// image bytes out.
type HTTPGenerator struct {
	URL    string
	Client *http.Client
}

func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, p envelope.Payload) (Artifact, error) {
	body, err := json.Marshal(generateRequest{Prompt: p.Prompt, Style: p.Style})
	if err != nil {
		return Artifact{}, Permanentf("encode request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return Artifact{}, Permanentf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return Artifact{}, &Error{Reason: "generation backend unreachable", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Artifact{}, Transientf("generation backend returned %d", resp.StatusCode)
	default:
		// Remaining 4xx: the request content itself is unacceptable.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Artifact{}, Permanentf("generation rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Artifact{}, &Error{Reason: "read generation response", Err: err}
	}
	if len(data) == 0 {
		return Artifact{}, Transientf("generation backend returned an empty artifact")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return Artifact{MIME: mime, Data: data}, nil
}
