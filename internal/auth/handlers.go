package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Handler serves login and identity endpoints for the operator surface.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login exchanges operator credentials for a JWT.
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		log.Warn().Err(err).Str("remote_addr", c.Request().RemoteAddr).Msg("invalid login request body")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid request",
		})
	}

	user, err := h.validateCredentials(req.Email, req.Password)
	if err != nil {
		log.Warn().Str("email", req.Email).Msg("login failed")
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Invalid credentials",
		})
	}

	token, err := h.manager.GenerateToken(*user)
	if err != nil {
		log.Error().Err(err).Msg("failed to generate token")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to generate token",
		})
	}

	log.Info().Str("email", user.Email).Strs("roles", user.Roles).Msg("operator logged in")

	return c.JSON(http.StatusOK, LoginResponse{
		Token: token,
		User:  *user,
	})
}

// Me returns the authenticated operator, for UI session checks.
func (h *Handler) Me(c echo.Context) error {
	user := GetUserFromContext(c)
	if user == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unauthorized",
		})
	}

	return c.JSON(http.StatusOK, user)
}

// validateCredentials checks against the AUTH_USERS env var. Format is
// EMAIL:PASSWORD:NAME:ROLES, semicolon-separated, e.g.
// ops@example.com:secret:Ops:admin,operator
func (h *Handler) validateCredentials(email, password string) (*User, error) {
	usersEnv := os.Getenv("AUTH_USERS")
	if usersEnv == "" {
		// Development fallback only; production sets AUTH_USERS.
		usersEnv = "admin@controlplane.local:admin:Administrator:admin,operator"
	}

	for _, userStr := range strings.Split(usersEnv, ";") {
		parts := strings.Split(userStr, ":")
		if len(parts) < 4 {
			continue
		}

		// Constant-time comparison to prevent timing attacks
		emailMatch := subtle.ConstantTimeCompare([]byte(email), []byte(parts[0])) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(parts[1])) == 1
		if !emailMatch || !passwordMatch {
			continue
		}

		return &User{
			ID:    generateUserID(email),
			Email: email,
			Name:  parts[2],
			Roles: strings.Split(parts[3], ","),
		}, nil
	}

	return nil, ErrInvalidCredentials
}

// generateUserID creates a consistent ID from the email.
func generateUserID(email string) string {
	return strings.ReplaceAll(email, "@", "-")
}

var ErrInvalidCredentials = &AuthError{"Invalid credentials"}

type AuthError struct {
	message string
}

func (e *AuthError) Error() string {
	return e.message
}
