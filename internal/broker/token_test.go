package broker

import (
	"strings"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	id := newRequestID()
	for _, d := range []Decision{DecisionApprove, DecisionDeny} {
		tok := EncodeToken(id, d)
		if len(tok) != TokenLength || len(tok) > 64 {
			t.Fatalf("token length = %d", len(tok))
		}
		gotID, gotD, err := DecodeToken(tok)
		if err != nil || gotID != id || gotD != d {
			t.Fatalf("DecodeToken(%q) = %q, %q, %v", tok, gotID, gotD, err)
		}
	}
}

func TestDecodeTokenRejects(t *testing.T) {
	id := newRequestID()
	bad := []string{
		"",
		"deploy",
		"deny",
		"dc2:" + id + ":a",
		"dc1:" + id + ":x",
		"dc1:" + strings.ToUpper(id) + ":a",
		"dc1:" + id[:31] + "g:a",
		"dc1:" + id + "::",
		"dc1:" + id[:30] + ":a",
		"dc1:" + id + ":a ",
	}
	for _, tok := range bad {
		if _, _, err := DecodeToken(tok); err != ErrInvalidToken {
			t.Errorf("DecodeToken(%q) err = %v, want ErrInvalidToken", tok, err)
		}
	}
}
