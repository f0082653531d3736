package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/manpreetbhatti/canvasrelay/internal/auth"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("CANVASRELAY_JWT_SECRET", "")
	t.Setenv("CANVASRELAY_CONFIG", "")
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "u1", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	authn, _ := auth.NewJWTAuthenticator("cli-secret")
	userID, err := authn.Authenticate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Issued token does not verify: %v", err)
	}
	if userID != "u1" {
		t.Errorf("Expected u1, got %q", userID)
	}
}

func TestTokenCommandRequiresUser(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("Expected missing --user to fail")
	}
}
