package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
)

// OAuth client parameters of the PSN companion app.
const (
	DefaultTokenURL = "https://auth.api.sonyentertainmentnetwork.com/2.0/oauth/token"
	DefaultClientID = "7c01ce37-cb6b-4938-9c1b-9e36fd5477fa"
	DefaultSecret   = "GNumO5QMsagNcO2q"
	DefaultDUID     = "00000007000801a8000000000000008241fdf6ab09ba863a20202020476f6f676c653a416e64726f696420534400000000000000000000000000000000"
	DefaultScope    = "kamaji:get_players_met+kamaji:get_account_hash+kamaji:activity_feed_submit_feed_story+kamaji:activity_feed_internal_feed_submit_story+kamaji:activity_feed_get_news_feed+kamaji:communities+kamaji:game_list+kamaji:ugc:distributor+oauth:manage_device_usercodes+psn:sceapp+user:account.profile.get+user:account.attributes.validate+user:account.settings.privacy.get+kamaji:activity_feed_set_feed_privacy+kamaji:satchel+kamaji:satchel_delete+user:account.profile.update+kamaji:url_preview"
)

// Authenticator exchanges npsso codes and refresh tokens for access tokens.
type Authenticator struct {
	// HTTP performs the token requests. Defaults to a client with a 30s timeout.
	HTTP *http.Client
	// TokenURL is the OAuth token endpoint.
	TokenURL     string
	ClientID     string
	ClientSecret string
	DUID         string
	Scope        string
	// UserAgent is sent with every token request when set.
	UserAgent string

	now func() time.Time
}

// NewAuthenticator returns an Authenticator for the PSN token endpoint.
func NewAuthenticator(httpClient *http.Client) *Authenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Authenticator{
		HTTP:         httpClient,
		TokenURL:     DefaultTokenURL,
		ClientID:     DefaultClientID,
		ClientSecret: DefaultSecret,
		DUID:         DefaultDUID,
		Scope:        DefaultScope,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Auth authenticates s, trying the npsso exchange first and falling back
// to the refresh token.
func (a *Authenticator) Auth(ctx context.Context, s *Session) error {
	s.applyDefaults()

	if s.NPSSO == "" && s.RefreshToken == "" {
		return apperrors.ErrNoCredentials
	}

	var npssoErr error
	if s.NPSSO != "" {
		if npssoErr = a.ExchangeNPSSO(ctx, s); npssoErr == nil {
			return nil
		}
		log.WithField("account", s.Key()).WithError(npssoErr).Debug("npsso exchange failed, trying refresh token")
	}

	if s.RefreshToken == "" {
		return npssoErr
	}
	return a.Refresh(ctx, s)
}

// ExchangeNPSSO trades the session's npsso cookie for an access and
// refresh token pair.
func (a *Authenticator) ExchangeNPSSO(ctx context.Context, s *Session) error {
	form := url.Values{
		"client_id":     {a.ClientID},
		"client_secret": {a.ClientSecret},
		"scope":         {a.Scope},
		"grant_type":    {"sso_cookie"},
	}

	tokens, err := a.exchange(ctx, form, &http.Cookie{Name: "npsso", Value: s.NPSSO})
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidNPSSO, err)
	}
	if tokens.RefreshToken == "" {
		return fmt.Errorf("%w: response carried no refresh token", apperrors.ErrInvalidNPSSO)
	}

	s.setTokens(tokens.AccessToken, tokens.RefreshToken, a.clock())
	log.WithField("account", s.Key()).Info("session authenticated with npsso")
	return nil
}

// Refresh trades the session's refresh token for a new access token.
// The session is left untouched on failure.
func (a *Authenticator) Refresh(ctx context.Context, s *Session) error {
	if s.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token", apperrors.ErrInvalidRefresh)
	}

	form := url.Values{
		"app_context":   {"inapp_ios"},
		"client_id":     {a.ClientID},
		"client_secret": {a.ClientSecret},
		"duid":          {a.DUID},
		"scope":         {a.Scope},
		"refresh_token": {s.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	tokens, err := a.exchange(ctx, form, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidRefresh, err)
	}

	s.setTokens(tokens.AccessToken, tokens.RefreshToken, a.clock())
	log.WithField("account", s.Key()).Debug("access token refreshed")
	return nil
}

func (a *Authenticator) exchange(ctx context.Context, form url.Values, cookie *http.Cookie) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.UserAgent != "" {
		req.Header.Set("User-Agent", a.UserAgent)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.ParseRemote(resp.StatusCode, body)
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response carried no access token")
	}
	return &tokens, nil
}

func (a *Authenticator) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}
