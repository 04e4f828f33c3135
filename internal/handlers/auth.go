package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"accountd/internal/middleware"
	"accountd/internal/models"
	"accountd/internal/service"
)

type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified bool   `json:"emailVerified"`
}

func toUserResponse(u models.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		EmailVerified: u.EmailVerified,
	}
}

type authResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	DeviceID     string       `json:"deviceId"`
	User         userResponse `json:"user"`
}

// statusFor maps expected workflow failures onto HTTP statuses. Anything
// unmapped is an internal error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrEmailExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrTokenExpired), errors.Is(err, service.ErrTokenUsed):
		return http.StatusGone
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrRefreshLimitExceeded):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h HandlerSet) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("workflow failed")
		c.JSON(status, gin.H{"error": "internal_server_error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type registerRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"displayName" binding:"required"`
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.authService.Register(c.Request.Context(), service.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	// Token issuance is the caller's move, not Register's. Mail delivery is
	// out of scope; the raw value is returned for the delivery channel.
	token, err := h.authService.IssueVerificationToken(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":              toUserResponse(user),
		"verificationToken": token.Token,
	})
}

type loginRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.Login(c.Request.Context(), service.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		DeviceID:     result.DeviceID,
		User:         toUserResponse(result.User),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h HandlerSet) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accessToken, err := h.authService.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"accessToken": accessToken})
}

type verifyRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h HandlerSet) ConfirmEmail(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.authService.ConfirmEmail(c.Request.Context(), req.Token)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": toUserResponse(user)})
}

func (h HandlerSet) ResendVerification(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.authService.RecreateVerificationToken(c.Request.Context(), req.Token)
	if err != nil {
		h.fail(c, err)
		return
	}
	if token == nil {
		// Already verified: a success with nothing to deliver.
		c.JSON(http.StatusOK, gin.H{"alreadyVerified": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verificationToken": token.Token})
}

type resetLinkRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (h HandlerSet) RequestPasswordReset(c *gin.Context) {
	var req resetLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.authService.GeneratePasswordResetToken(c.Request.Context(), req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"resetToken": token.Token})
}

type resetPasswordRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

func (h HandlerSet) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.authService.ResetPassword(c.Request.Context(), req.Token, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": toUserResponse(user)})
}

type updatePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required,min=8"`
}

func (h HandlerSet) UpdatePassword(c *gin.Context) {
	var req updatePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := middleware.CurrentUser(c)
	err := h.authService.UpdatePassword(c.Request.Context(), service.UpdatePasswordInput{
		UserID:      user.ID,
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h HandlerSet) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": toUserResponse(middleware.CurrentUser(c))})
}

type logoutRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

func (h HandlerSet) Logout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := middleware.CurrentUser(c)
	if err := h.authService.Logout(c.Request.Context(), user.ID, req.DeviceID); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type deviceResponse struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	LastSeenAt string `json:"lastSeenAt"`
	ExpiresAt  string `json:"expiresAt"`
}

func (h HandlerSet) ListDevices(c *gin.Context) {
	user := middleware.CurrentUser(c)
	devices, err := h.authService.ListDevices(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			LastSeenAt: d.LastSeenAt.Format(timeFormat),
			ExpiresAt:  d.RefreshExpiresAt.Format(timeFormat),
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (h HandlerSet) RevokeDevice(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if err := h.authService.Logout(c.Request.Context(), user.ID, c.Param("deviceId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
