package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
)

func TestPrintToken(t *testing.T) {
	t.Setenv("EVENTS_WEBHOOK_TOKEN", "s3cret")
	cfg := filepath.Join(t.TempDir(), "routex.json")
	if err := os.WriteFile(cfg, []byte(`{"telegram":{"token":"t","owner_user_ids":[1]}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := printToken(&out, cfg, "ci", time.Hour); err != nil {
		t.Fatalf("printToken: %v", err)
	}
	tok, err := jwt.Parse(strings.TrimSpace(out.String()), func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	if err != nil || !tok.Valid {
		t.Fatalf("token invalid: %v", err)
	}
	claims := tok.Claims.(jwt.MapClaims)
	if claims["sub"] != "ci" || claims["exp"] == nil {
		t.Fatalf("claims = %v", claims)
	}
}
