package webhook

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func TestVerify(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"ref":"refs/heads/main","head_commit":{"id":"abc123"}}`)
	sig := Sign(secret, body)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		wantErr   error
	}{
		{name: "valid", secret: secret, body: body, signature: sig},
		{name: "tampered body", secret: secret, body: []byte(`{"ref":"refs/heads/evil"}`), signature: sig, wantErr: ErrUnauthorized},
		{name: "wrong secret", secret: "other", body: body, signature: sig, wantErr: ErrUnauthorized},
		{name: "empty secret", secret: "", body: body, signature: sig, wantErr: ErrUnauthorized},
		{name: "zero digest", secret: secret, body: body, signature: "sha256=" + strings.Repeat("0", 64), wantErr: ErrUnauthorized},
		{name: "nil body", secret: secret, body: nil, signature: sig, wantErr: ErrMalformed},
		{name: "empty signature", secret: secret, body: body, signature: "", wantErr: ErrMalformed},
		{name: "missing prefix", secret: secret, body: body, signature: strings.TrimPrefix(sig, "sha256="), wantErr: ErrMalformed},
		{name: "sha1 style", secret: secret, body: body, signature: "sha1=" + strings.Repeat("a", 40), wantErr: ErrMalformed},
		{name: "not hex", secret: secret, body: body, signature: "sha256=not-valid-hex", wantErr: ErrMalformed},
		{name: "short digest", secret: secret, body: body, signature: "sha256=abcd", wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.secret, tt.body, tt.signature)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Verify() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() = %v, want %v", err, tt.wantErr)
			}
			if strings.Contains(err.Error(), secret) || strings.Contains(err.Error(), sig[7:]) {
				t.Fatalf("error leaks secret material: %v", err)
			}
		})
	}
}

func TestSignVerifySingleBitMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		secret := randomString(rng, 1+rng.Intn(32))
		body := make([]byte, 1+rng.Intn(512))
		rng.Read(body)

		sig := Sign(secret, body)
		if err := Verify(secret, body, sig); err != nil {
			t.Fatalf("round trip %d failed: %v", i, err)
		}

		// Flip one bit of the body.
		mutated := append([]byte(nil), body...)
		bit := rng.Intn(len(mutated) * 8)
		mutated[bit/8] ^= 1 << (bit % 8)
		if err := Verify(secret, mutated, sig); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("body mutation %d: got %v, want ErrUnauthorized", i, err)
		}

		// Flip one bit of the digest, keeping it valid hex.
		digest := []byte(sig[len("sha256="):])
		pos := rng.Intn(len(digest))
		digest[pos] = flipHexBit(digest[pos], uint(rng.Intn(4)))
		if err := Verify(secret, body, "sha256="+string(digest)); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("signature mutation %d: got %v, want ErrUnauthorized", i, err)
		}
	}
}

func TestSignFormat(t *testing.T) {
	sig := Sign("s", []byte("payload"))
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if sig != Sign("s", []byte("payload")) {
		t.Fatal("Sign should be deterministic")
	}
}

func flipHexBit(c byte, bit uint) byte {
	const digits = "0123456789abcdef"
	v := strings.IndexByte(digits, c)
	return digits[v^(1<<bit)]
}

func randomString(rng *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}
