package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrWorldNotFound,
		ErrWorldBusy,
		ErrBadRequest,
		ErrRateLimit,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestEventTypeValid(t *testing.T) {
	if !EventNightStart.Valid() || !EventSunriseImminent.Valid() {
		t.Fatalf("expected both edge kinds valid")
	}
	if EventType("CLIENT_SIM_NIGHT_START").Valid() {
		t.Fatalf("unexpected valid event type")
	}
}
