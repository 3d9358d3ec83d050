package gateway

import (
	"errors"
	"net/http/httptest"
	"testing"

	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", UserID: "u-1", Username: "ada"},
		{Token: "secret-456", UserID: "u-2"},
	})

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.UserID != "u-1" || info.Name != "ada" {
		t.Errorf("info = %+v", info)
	}

	info, err = auth.Authenticate("secret-456")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "u-2" {
		t.Errorf("name should default to the user id, got %q", info.Name)
	}
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", UserID: "u-1"},
		{Token: "", UserID: "u-empty"},
		{Token: "orphan"},
	})

	for _, token := range []string{"wrong", "", "orphan", "secret-12"} {
		_, err := auth.Authenticate(token)
		if !errors.Is(err, domain.ErrGatewayAuthFailed) {
			t.Errorf("Authenticate(%q) err = %v", token, err)
		}
		if !errors.Is(err, domain.ErrAuthInvalid) {
			t.Errorf("Authenticate(%q) should wrap ErrAuthInvalid", token)
		}
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer", "Bearer abc", "", "abc"},
		{"bearer wins over query", "Bearer abc", "xyz", "abc"},
		{"query", "", "xyz", "xyz"},
		{"basic is ignored", "Basic Zm9vOmJhcg==", "xyz", ""},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}
