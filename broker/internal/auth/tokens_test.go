package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	st := NewSessionTokens(30 * time.Minute)

	token, expiresAt, err := st.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}
	// 24 random bytes encode to 32 base64url characters.
	if len(token) != 32 {
		t.Errorf("token length: got %d, want 32", len(token))
	}
	if time.Until(expiresAt) < 29*time.Minute {
		t.Errorf("expiry too soon: %v", expiresAt)
	}

	if !st.Validate(token, "sess-1") {
		t.Error("valid token rejected")
	}
}

func TestValidateFailClosed(t *testing.T) {
	st := NewSessionTokens(30 * time.Minute)

	token, _, err := st.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Bound to a different session.
	if st.Validate(token, "sess-2") {
		t.Error("token validated against the wrong session")
	}
	// Never issued.
	if st.Validate("bm90LWEtcmVhbC10b2tlbi1hdC1hbGw", "sess-1") {
		t.Error("never-issued token validated")
	}
	// Empty.
	if st.Validate("", "sess-1") {
		t.Error("empty token validated")
	}
}

func TestValidateExpired(t *testing.T) {
	st := NewSessionTokens(-1 * time.Minute) // already expired at issue time

	token, _, err := st.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if st.Validate(token, "sess-1") {
		t.Error("expired token validated")
	}
	// The failed validation removes the entry; a second attempt stays rejected.
	if st.Validate(token, "sess-1") {
		t.Error("expired token validated on retry")
	}
}

func TestTokensAreUnique(t *testing.T) {
	st := NewSessionTokens(30 * time.Minute)

	t1, _, _ := st.Issue("sess-1")
	t2, _, _ := st.Issue("sess-1")
	if t1 == t2 {
		t.Error("two issued tokens are identical")
	}
	// Both remain valid for the session.
	if !st.Validate(t1, "sess-1") || !st.Validate(t2, "sess-1") {
		t.Error("one of two concurrent tokens rejected")
	}
}

func TestSweep(t *testing.T) {
	st := NewSessionTokens(-1 * time.Minute)
	if _, _, err := st.Issue("sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.Issue("sess-2"); err != nil {
		t.Fatal(err)
	}

	if purged := st.Sweep(); purged != 2 {
		t.Errorf("Sweep purged %d tokens, want 2", purged)
	}
	if purged := st.Sweep(); purged != 0 {
		t.Errorf("second Sweep purged %d tokens, want 0", purged)
	}
}
