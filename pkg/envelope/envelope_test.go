package envelope

import (
	"testing"
	"time"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("msg123", ActionGenerate)
	b := Fingerprint("msg123", ActionGenerate)
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}
	if a != "msg123:generate" {
		t.Fatalf("unexpected fingerprint: %q", a)
	}
}

func TestFingerprintSanitizesColons(t *testing.T) {
	got := Fingerprint("ts:1716", ActionGenerate)
	if got != "ts_1716:generate" {
		t.Fatalf("unexpected fingerprint: %q", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	env := New("msg42", ActionGenerate, Payload{
		Prompt:     "a lighthouse at dusk",
		ChannelRef: "C123",
		Requester:  "U456",
	})
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Fingerprint != env.Fingerprint || back.Payload != env.Payload {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, env)
	}
	if back.EnqueuedAt.IsZero() || time.Since(back.EnqueuedAt) > time.Minute {
		t.Fatalf("enqueued_at not preserved: %v", back.EnqueuedAt)
	}
}

func TestDecodeRejectsMissingFingerprint(t *testing.T) {
	if _, err := Decode([]byte(`{"action":"generate"}`)); err == nil {
		t.Fatal("expected error for missing fingerprint")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed data")
	}
}
