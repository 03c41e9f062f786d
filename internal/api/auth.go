package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"flashly/internal/auth"
	"flashly/internal/services"
)

type credentials struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	user, err := s.users.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	user, err := s.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.tokens.Login(w, user.ID); err != nil {
		s.log.Error("issue session token", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"msg":  "Login successful",
		"user": userJSON(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.tokens.Logout(w)
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Logout successful"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.Get(r.Context(), currentUser(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userJSON(user))
}

func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	target, err := s.oauth.AuthorizeURL(w, provider)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, "Unknown OAuth provider")
			return
		}
		s.log.Error("oauth authorize", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "OAuth login is unavailable")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleOAuthCallback always ends in a redirect to the frontend: the home page
// on success, the login page with an error code otherwise.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	profile, err := s.oauth.Callback(r.Context(), w, r, provider)
	if err != nil {
		code := auth.CodeOAuth
		var oauthErr *auth.OAuthError
		if errors.As(err, &oauthErr) {
			code = oauthErr.Code
		}
		s.log.Warn("oauth callback failed", "provider", provider, "code", code, "error", err)
		s.redirectLoginError(w, r, code)
		return
	}

	user, err := s.users.FindOrCreateOAuth(r.Context(), provider, services.OAuthProfile{
		ProviderID: profile.ProviderID,
		Email:      profile.Email,
		Name:       profile.Name,
		AvatarURL:  profile.AvatarURL,
	})
	if err != nil {
		s.log.Error("oauth user", "provider", provider, "error", err)
		s.redirectLoginError(w, r, auth.CodeUserCreation)
		return
	}
	if err := s.tokens.Login(w, user.ID); err != nil {
		s.log.Error("issue session token", "user_id", user.ID, "error", err)
		s.redirectLoginError(w, r, auth.CodeOAuth)
		return
	}
	http.Redirect(w, r, s.opts.FrontendURL+"/home", http.StatusFound)
}

func (s *Server) redirectLoginError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, s.opts.FrontendURL+"/auth/login?error="+url.QueryEscape(code), http.StatusFound)
}
