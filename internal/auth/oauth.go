package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const stateCookieName = "oauth_state"

// Error codes passed back to the frontend login page.
const (
	CodeInvalidState  = "invalid_state"
	CodeNoCode        = "no_code"
	CodeTokenExchange = "token_exchange_failed"
	CodeUserInfo      = "user_info_failed"
	CodeUserCreation  = "user_creation_failed"
	CodeOAuth         = "oauth_error"
)

var ErrUnknownProvider = errors.New("unknown oauth provider")

// OAuthError carries the code shown on the login page next to the cause.
type OAuthError struct {
	Code string
	Err  error
}

func (e *OAuthError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *OAuthError) Unwrap() error { return e.Err }

// Profile is the identity returned by a provider.
type Profile struct {
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
}

// ProviderConfig holds client credentials. Providers without a client id are
// not registered.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
}

type provider struct {
	config      *oauth2.Config
	userInfoURL string
	emailsURL   string
	decode      func(map[string]any) Profile
}

// OAuthManager runs the authorization code flow against Google and GitHub.
type OAuthManager struct {
	providers map[string]*provider
	secure    bool
}

func NewOAuthManager(redirectBase string, secureCookie bool, google, github ProviderConfig) *OAuthManager {
	redirectBase = strings.TrimRight(redirectBase, "/")
	m := &OAuthManager{providers: map[string]*provider{}, secure: secureCookie}

	if google.ClientID != "" {
		m.providers["google"] = &provider{
			config: &oauth2.Config{
				ClientID:     google.ClientID,
				ClientSecret: google.ClientSecret,
				Endpoint:     endpoints.Google,
				RedirectURL:  redirectBase + "/oauth/callback/google",
				Scopes:       []string{"openid", "email", "profile"},
			},
			userInfoURL: "https://www.googleapis.com/oauth2/v3/userinfo",
			decode: func(data map[string]any) Profile {
				return Profile{
					ProviderID: stringField(data, "sub"),
					Email:      stringField(data, "email"),
					Name:       stringField(data, "name"),
					AvatarURL:  stringField(data, "picture"),
				}
			},
		}
	}
	if github.ClientID != "" {
		m.providers["github"] = &provider{
			config: &oauth2.Config{
				ClientID:     github.ClientID,
				ClientSecret: github.ClientSecret,
				Endpoint:     endpoints.GitHub,
				RedirectURL:  redirectBase + "/oauth/callback/github",
				Scopes:       []string{"read:user", "user:email"},
			},
			userInfoURL: "https://api.github.com/user",
			emailsURL:   "https://api.github.com/user/emails",
			decode: func(data map[string]any) Profile {
				name := stringField(data, "name")
				if name == "" {
					name = stringField(data, "login")
				}
				return Profile{
					ProviderID: stringField(data, "id"),
					Email:      stringField(data, "email"),
					Name:       name,
					AvatarURL:  stringField(data, "avatar_url"),
				}
			},
		}
	}
	return m
}

func (m *OAuthManager) Has(name string) bool {
	_, ok := m.providers[name]
	return ok
}

// AuthorizeURL stores a fresh state in a short-lived cookie and returns the
// provider's consent page URL.
func (m *OAuthManager) AuthorizeURL(w http.ResponseWriter, name string) (string, error) {
	p, ok := m.providers[name]
	if !ok {
		return "", ErrUnknownProvider
	}
	state, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/oauth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return p.config.AuthCodeURL(state), nil
}

// Callback validates the provider redirect, exchanges the code and fetches the
// user's profile. The state cookie is cleared in every case.
func (m *OAuthManager) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (*Profile, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	defer m.clearState(w)

	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = providerErr
		}
		return nil, &OAuthError{Code: msg}
	}

	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != q.Get("state") {
		return nil, &OAuthError{Code: CodeInvalidState}
	}
	code := q.Get("code")
	if code == "" {
		return nil, &OAuthError{Code: CodeNoCode}
	}

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, &OAuthError{Code: CodeTokenExchange, Err: err}
	}

	client := p.config.Client(ctx, token)
	var data map[string]any
	if err := getJSON(ctx, client, p.userInfoURL, &data); err != nil {
		return nil, &OAuthError{Code: CodeUserInfo, Err: err}
	}
	profile := p.decode(data)

	if p.emailsURL != "" {
		if email, err := primaryEmail(ctx, client, p.emailsURL); err == nil && email != "" {
			profile.Email = email
		}
	}
	if profile.Email == "" {
		return nil, &OAuthError{Code: CodeUserInfo, Err: errors.New("provider returned no email")}
	}
	return &profile, nil
}

func (m *OAuthManager) clearState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
	})
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// primaryEmail prefers the primary verified address and falls back to the
// first one listed.
func primaryEmail(ctx context.Context, client *http.Client, url string) (string, error) {
	var emails []githubEmail
	if err := getJSON(ctx, client, url, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stringField reads a JSON string or number as text.
func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
