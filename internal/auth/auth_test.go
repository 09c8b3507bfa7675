package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc", "abc", false},
		{"trims", "Bearer   abc  ", "abc", false},
		{"missing", "", "", true},
		{"basic", "Basic abc", "", true},
		{"empty", "Bearer   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticateAndScopes(t *testing.T) {
	tokens := []TokenConfig{
		{Name: "ci", Token: "ci-token", Scopes: []string{"deployments:rw"}},
		{Name: "dash", Token: "dash-token", Scopes: []string{" events:ro ", ""}},
		{Name: "admin", Token: "admin-token", Scopes: []string{"*"}},
	}

	ci, ok := Authenticate("ci-token", tokens)
	require.True(t, ok)
	assert.Equal(t, "ci", ci.Name)
	assert.True(t, HasAnyScope(ci, ScopeDeploymentsRead), "rw implies ro")
	assert.False(t, HasAnyScope(ci, ScopeEventsRead))

	dash, ok := Authenticate("dash-token", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(dash, ScopeEventsRead))
	assert.False(t, HasAnyScope(dash, ScopeDeploymentsRead))

	admin, ok := Authenticate("admin-token", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(admin, ScopeDeploymentsWrite, ScopeEventsRead))

	_, ok = Authenticate("nope", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", []TokenConfig{{Token: ""}})
	assert.False(t, ok, "empty tokens never match")
}

func TestKnownScope(t *testing.T) {
	assert.True(t, KnownScope("deployments:ro"))
	assert.True(t, KnownScope("*"))
	assert.False(t, KnownScope("plugin:rw"))
}
