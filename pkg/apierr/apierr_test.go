package apierr

import "testing"

func TestHTTPStatusForKnownCode(t *testing.T) {
	if HTTPStatusFor(ConflictHashConflict) != 409 {
		t.Fatalf("expected 409 for hash conflict, got %d", HTTPStatusFor(ConflictHashConflict))
	}
}

func TestHTTPStatusForUnknownCodeDefaultsTo500(t *testing.T) {
	if HTTPStatusFor(Code("nonexistent")) != 500 {
		t.Fatal("expected 500 fallback for unknown code")
	}
}

func TestNewEnvelopeFallsBackToInternalForUnknownCode(t *testing.T) {
	env := NewEnvelope(Code("nonexistent"), "msg", "req1", nil)
	if env.Error.Code != Internal {
		t.Fatalf("expected unknown code to fall back to Internal, got %s", env.Error.Code)
	}
}

func TestNewEnvelopeBoundsDetailCount(t *testing.T) {
	details := map[string]any{}
	for i := 0; i < MaxDetails+5; i++ {
		details[string(rune('a'+i%26))+string(rune(i))] = i
	}
	env := NewEnvelope(ClientBadRequest, "msg", "", details)
	if len(env.Error.Details) > MaxDetails+1 {
		t.Fatalf("expected details bounded to MaxDetails(+truncation marker), got %d", len(env.Error.Details))
	}
}
