// Package auth talks to the educonnect auth service and keeps the stored credentials fresh.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	httpclient "educonnect/internal/http"
	"educonnect/internal/ratelimit"
	"educonnect/pkg/core"
	"educonnect/pkg/credentials"
)

// Auth service endpoints, relative to Config.AuthURL.
const (
	PathLogin        = "/auth/login"
	PathVerify2FA    = "/auth/verify-2fa"
	PathRefreshToken = "/auth/refresh-token"
	PathLogout       = "/auth/logout"
)

// User is the account returned with a successful login.
type User struct {
	ID               int64  `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	FullName         string `json:"fullName"`
	Role             string `json:"role"`
	Verified         bool   `json:"verified"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

// LoginResult is the auth service's answer to a login or 2FA verification.
//
// When RequiresTwoFactor is set the tokens are empty and TempToken must be passed to
// VerifyTwoFactor together with the user's code.
type LoginResult struct {
	Success           bool   `json:"success"`
	AccessToken       string `json:"accessToken"`
	RefreshToken      string `json:"refreshToken"`
	User              *User  `json:"user,omitempty"`
	RequiresTwoFactor bool   `json:"requiresTwoFactor"`
	TempToken         string `json:"tempToken,omitempty"`
}

// Tokens returns the credentials carried by the result.
func (r *LoginResult) Tokens() credentials.Tokens {
	return credentials.Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// Authenticated reports whether the result carries a usable credential pair.
func (r *LoginResult) Authenticated() bool {
	return !r.RequiresTwoFactor && r.AccessToken != "" && r.RefreshToken != ""
}

type loginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

type verifyRequest struct {
	TempToken string `json:"tempToken"`
	Code      string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Client calls the unauthenticated auth endpoints. None of its calls carry a bearer token
// or go through the refresh-and-retry path.
type Client struct {
	client  *resty.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// NewClient creates a client for cfg.AuthURL. limiter may be nil.
func NewClient(cfg *core.Config, limiter *ratelimit.Limiter) *Client {
	c := &Client{
		limiter: limiter,
		logger:  zerolog.Nop(),
	}
	c.client = httpclient.NewResty(cfg.AuthURL, cfg.RefreshTimeout, &c.logger)
	return c
}

// SetLogger configures the logger. It must be called before the client is used.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger.With().Str("service", core.ServiceAuth).Logger()
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Login exchanges a username or email and password for credentials. The caller decides
// what to do with a result that requires a second factor.
func (c *Client) Login(ctx context.Context, usernameOrEmail, password string) (*LoginResult, error) {
	var out LoginResult
	if err := c.post(ctx, PathLogin, loginRequest{UsernameOrEmail: usernameOrEmail, Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyTwoFactor completes a login that returned RequiresTwoFactor.
func (c *Client) VerifyTwoFactor(ctx context.Context, tempToken, code string) (*LoginResult, error) {
	var out LoginResult
	if err := c.post(ctx, PathVerify2FA, verifyRequest{TempToken: tempToken, Code: code}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshToken exchanges a refresh token for a new credential pair. A response without a
// new refresh token keeps the old one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (credentials.Tokens, error) {
	if refreshToken == "" {
		return credentials.Tokens{}, core.ErrNoRefreshToken
	}

	var out refreshResponse
	if err := c.post(ctx, PathRefreshToken, refreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return credentials.Tokens{}, err
	}
	if out.AccessToken == "" {
		return credentials.Tokens{}, core.NewAPIError(core.ServiceAuth, core.ErrorTypeAuthentication, 0,
			"refresh response has no access token")
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return credentials.Tokens{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// Logout revokes refreshToken on the server.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.post(ctx, PathLogout, refreshRequest{RefreshToken: refreshToken}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, core.ServiceAuth); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err := httpclient.Classify(core.ServiceAuth, resp, err); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("auth request failed")
		return err
	}
	c.logger.Debug().
		Str("path", path).
		Dur("took", time.Since(start)).
		Msg("auth request completed")

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Bytes(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
