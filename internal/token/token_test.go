package token_test

import (
	"testing"
	"time"

	"github.com/bigxfer/bigxfer/internal/errors"
	"github.com/bigxfer/bigxfer/internal/token"
)

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	issuer, err := token.NewIssuer([]byte("secret"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	now := time.Now().UTC()
	tok, err := issuer.Issue("up-1", "file.bin", 1024, "application/octet-stream", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UploadID != "up-1" || claims.FileName != "file.bin" || claims.FileSize != 1024 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer, err := token.NewIssuer([]byte("secret"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	past := time.Now().UTC().Add(-48 * time.Hour)
	tok, err := issuer.Issue("up-2", "f.bin", 1, "text/plain", past)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = issuer.Verify(tok)
	if err == nil {
		t.Fatalf("expected an error for an expired token")
	}
	if !errors.Is(err, token.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuerA, _ := token.NewIssuer([]byte("secret-a"))
	issuerB, _ := token.NewIssuer([]byte("secret-b"))

	tok, err := issuerA.Issue("up-3", "f.bin", 1, "text/plain", time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := issuerB.Verify(tok); err == nil {
		t.Fatalf("expected verification to fail with the wrong secret")
	}
}

func TestNewIssuerRejectsEmptySecret(t *testing.T) {
	if _, err := token.NewIssuer(nil); err == nil {
		t.Fatalf("expected an error for an empty secret")
	}
}
