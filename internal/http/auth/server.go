// Package auth exposes the token lifecycle over a thin HTTP surface.
// All the interesting logic lives in the token service; handlers only
// parse requests and collapse every authentication failure into one
// uniform 401 body.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"jwtauth/internal/domain/models"
	"jwtauth/internal/lib/sl"
	"jwtauth/internal/services/token"
)

type TokenService interface {
	Login(ctx context.Context, email, password string, options models.TokenOptions) (*models.TokenBag, error)
	Verify(ctx context.Context, tokenType models.TokenType, raw string) (*models.User, *models.AuthToken, error)
	Refresh(ctx context.Context, authToken *models.AuthToken, options *models.TokenOptions) (*models.TokenBag, error)
	Logout(ctx context.Context, authToken *models.AuthToken) error
	LogoutAll(ctx context.Context, userID string, exceptID *int64) error
	DefaultOptions() models.TokenOptions
}

type Server struct {
	logger *slog.Logger
	tokens TokenService
}

func New(logger *slog.Logger, tokens TokenService) *Server {
	return &Server{
		logger: logger,
		tokens: tokens,
	}
}

// Register wires the auth routes onto the provided mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/logout_all", s.handleLogoutAll)
	mux.HandleFunc("GET /auth/me", s.handleMe)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpireIn     int64  `json:"expire_in"`
}

type meResponse struct {
	User        models.PublicUser `json:"user"`
	Roles       []string          `json:"roles"`
	Permissions []string          `json:"permissions"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	options := s.tokens.DefaultOptions()
	options.IP = requestIP(r)
	options.UserAgent = requestUserAgent(r)

	bag, err := s.tokens.Login(r.Context(), req.Email, req.Password, options)
	if err != nil {
		if errors.Is(err, token.ErrInvalidCredentials) {
			writeUnauthenticated(w)
			return
		}
		s.internalError(w, "login failed", err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponseFromBag(bag))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	_, authToken, ok := s.authenticate(w, r, models.RefreshToken)
	if !ok {
		return
	}

	// Carry the stored claims forward and capture this request's
	// origin, as the login path does for the initial pair.
	options := s.tokens.DefaultOptions()
	options.Roles = authToken.Roles
	options.Permissions = authToken.Permissions
	options.IP = requestIP(r)
	options.UserAgent = requestUserAgent(r)

	bag, err := s.tokens.Refresh(r.Context(), authToken, &options)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			writeUnauthenticated(w)
			return
		}
		s.internalError(w, "refresh failed", err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponseFromBag(bag))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, authToken, ok := s.authenticate(w, r, models.AccessToken)
	if !ok {
		return
	}

	if err := s.tokens.Logout(r.Context(), authToken); err != nil {
		s.internalError(w, "logout failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user, _, ok := s.authenticate(w, r, models.AccessToken)
	if !ok {
		return
	}

	if err := s.tokens.LogoutAll(r.Context(), user.ID, nil); err != nil {
		s.internalError(w, "logout all failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, authToken, ok := s.authenticate(w, r, models.AccessToken)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		User:        user.Public(),
		Roles:       authToken.Roles,
		Permissions: authToken.Permissions,
	})
}

// authenticate resolves the request's bearer token through the service
// and writes the uniform 401 on any failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, tokenType models.TokenType) (*models.User, *models.AuthToken, bool) {
	raw := bearerToken(r)
	if raw == "" {
		writeUnauthenticated(w)
		return nil, nil, false
	}

	user, authToken, err := s.tokens.Verify(r.Context(), tokenType, raw)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			writeUnauthenticated(w)
			return nil, nil, false
		}
		s.internalError(w, "verify failed", err)
		return nil, nil, false
	}

	return user, authToken, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, sl.Err(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func tokenResponseFromBag(bag *models.TokenBag) tokenResponse {
	resp := tokenResponse{
		TokenType:    "Bearer",
		AccessToken:  bag.AccessToken,
		RefreshToken: bag.RefreshToken,
	}
	if bag.Options.AccessTokenTTL != nil {
		resp.ExpireIn = int64(bag.Options.AccessTokenTTL.Seconds())
	}
	return resp
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(raw)
}

func requestIP(r *http.Request) *string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return nil
	}
	return &host
}

func requestUserAgent(r *http.Request) *string {
	ua := r.UserAgent()
	if ua == "" {
		return nil
	}
	return &ua
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeUnauthenticated(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthenticated")
}
