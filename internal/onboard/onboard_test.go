package onboard

import (
	"strings"
	"testing"
)

func TestJoinURL_EncodesQueryParams(t *testing.T) {
	got, err := JoinURL("wss://gateway.example.com/v1/ws", "demo", "agent-a", "tok 123")
	if err != nil {
		t.Fatalf("JoinURL error: %v", err)
	}
	if !strings.HasPrefix(got, "wss://gateway.example.com/v1/ws?") {
		t.Errorf("unexpected URL shape: %s", got)
	}
	if !strings.Contains(got, "space=demo") {
		t.Errorf("expected space param, got: %s", got)
	}
	if !strings.Contains(got, "participant_id=agent-a") {
		t.Errorf("expected participant_id param, got: %s", got)
	}
	if strings.Contains(got, "tok 123") {
		t.Error("expected token to be URL-encoded, not passed through raw")
	}
}

func TestJoinURL_InvalidBase(t *testing.T) {
	_, err := JoinURL("://not a url", "demo", "agent-a", "tok")
	if err == nil {
		t.Fatal("expected an error for an invalid public_base_url")
	}
}

func TestPNG_ProducesNonEmptyImage(t *testing.T) {
	png, err := PNG("wss://gateway.example.com/v1/ws?space=demo", 128)
	if err != nil {
		t.Fatalf("PNG error: %v", err)
	}
	if len(png) == 0 {
		t.Error("expected non-empty PNG bytes")
	}
	if !strings.HasPrefix(string(png[:4]), "\x89PNG"[:4]) {
		t.Error("expected PNG magic bytes")
	}
}
