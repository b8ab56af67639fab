package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"educonnect/pkg/core"
)

func newAuthServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(core.DefaultConfig().WithAuthURL(srv.URL), nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Login(t *testing.T) {
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathLogin, r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body["usernameOrEmail"])
		assert.Equal(t, "secret", body["password"])

		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"accessToken":  "access-1",
			"refreshToken": "refresh-1",
			"user":         map[string]any{"id": 7, "username": "ada", "role": "STUDENT"},
		})
	})

	res, err := c.Login(context.Background(), "ada@example.com", "secret")

	require.NoError(t, err)
	assert.True(t, res.Authenticated())
	assert.Equal(t, "access-1", res.Tokens().AccessToken)
	assert.Equal(t, "refresh-1", res.Tokens().RefreshToken)
	require.NotNil(t, res.User)
	assert.Equal(t, int64(7), res.User.ID)
	assert.Equal(t, "ada", res.User.Username)
}

func TestClient_LoginRequiresTwoFactor(t *testing.T) {
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathLogin:
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "requiresTwoFactor": true, "tempToken": "tmp-1"})
		case PathVerify2FA:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "tmp-1", body["tempToken"])
			assert.Equal(t, "123456", body["code"])
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "accessToken": "a", "refreshToken": "r"})
		}
	})

	res, err := c.Login(context.Background(), "ada", "secret")
	require.NoError(t, err)
	assert.True(t, res.RequiresTwoFactor)
	assert.False(t, res.Authenticated())

	res, err = c.VerifyTwoFactor(context.Background(), res.TempToken, "123456")
	require.NoError(t, err)
	assert.True(t, res.Authenticated())
}

func TestClient_LoginRejected(t *testing.T) {
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
	})

	_, err := c.Login(context.Background(), "ada", "wrong")

	require.Error(t, err)
	assert.True(t, core.IsAuthenticationError(err))
	var apiErr *core.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad credentials", apiErr.Message)
	assert.Equal(t, core.ServiceAuth, apiErr.Service)
}

func TestClient_RefreshToken(t *testing.T) {
	tests := []struct {
		name     string
		response map[string]any
		want     string
	}{
		{"rotated", map[string]any{"accessToken": "access-2", "refreshToken": "refresh-2"}, "refresh-2"},
		{"kept", map[string]any{"accessToken": "access-2"}, "refresh-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, PathRefreshToken, r.URL.Path)
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "refresh-1", body["refreshToken"])
				writeJSON(w, http.StatusOK, tt.response)
			})

			tokens, err := c.RefreshToken(context.Background(), "refresh-1")

			require.NoError(t, err)
			assert.Equal(t, "access-2", tokens.AccessToken)
			assert.Equal(t, tt.want, tokens.RefreshToken)
		})
	}
}

func TestClient_RefreshTokenErrors(t *testing.T) {
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	_, err := c.RefreshToken(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrNoRefreshToken)

	_, err = c.RefreshToken(context.Background(), "refresh-1")
	assert.True(t, core.IsAuthenticationError(err), "a response without an access token is rejected")
}

func TestClient_Logout(t *testing.T) {
	called := false
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, PathLogout, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Logout(context.Background(), "refresh-1"))
	assert.True(t, called)
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(core.DefaultConfig().WithAuthURL(url), nil)

	_, err := c.Login(context.Background(), "ada", "secret")

	assert.True(t, core.IsNetworkError(err))
}
