// Package handlers contains the REST endpoints: account registration and
// login, conversation and history reads, idempotent conversation creation,
// read receipts and push subscription management. Realtime traffic lives in
// the ws package.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/triplocal/chatsync/internal/auth"
	"github.com/triplocal/chatsync/pkg/i18n"
	"github.com/triplocal/chatsync/protocol"
)

type AuthHandler struct {
	auth *auth.Service
	log  *zap.Logger
}

func NewAuthHandler(authService *auth.Service, log *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: authService, log: log}
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token string        `json:"token"`
	User  protocol.User `json:"user"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid request")})
		return
	}

	userID, err := h.auth.Register(req.Username, req.Password, req.Name)
	if err != nil {
		status := http.StatusBadRequest
		if err.Error() == "username already exists" {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": i18n.T(err.Error())})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSpace(req.Username)
	}
	token, err := h.auth.GenerateToken(userID, name)
	if err != nil {
		h.log.Error("token generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("internal server error")})
		return
	}

	h.log.Info("user registered", zap.Int("user_id", userID), zap.String("username", req.Username))
	c.JSON(http.StatusCreated, authResponse{
		Token: token,
		User:  protocol.User{ID: userID, Name: name},
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid request")})
		return
	}

	token, userID, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.T(err.Error())})
		return
	}

	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		h.log.Error("freshly issued token failed validation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("internal server error")})
		return
	}

	h.log.Info("user logged in", zap.Int("user_id", userID))
	c.JSON(http.StatusOK, authResponse{
		Token: token,
		User:  protocol.User{ID: userID, Name: claims.Name},
	})
}

// AuthMiddleware validates the bearer token and records the caller identity
// on the request context. The websocket handshake cannot set headers from the
// browser, so a token query parameter is accepted as a fallback.
func AuthMiddleware(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimPrefix(header, "Bearer ")
		} else if q := c.Query("token"); q != "" {
			tokenString = q
		}

		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.T("missing authorization token")})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.T("invalid token")})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("user_name", claims.Name)
		c.Next()
	}
}
