package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"accountd/internal/config"
	"accountd/internal/middleware"
	"accountd/internal/repository"
	"accountd/internal/service"
)

type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.AppConfig
	authService *service.AuthService
	db          *pgxpool.Pool
	cache       *redis.Client
	users       *repository.UserRepository
}

func NewHandlerSet(log zerolog.Logger, db *pgxpool.Pool, cache *redis.Client, cfg *config.AppConfig) HandlerSet {
	userRepo := repository.NewUserRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	verificationRepo := repository.NewVerificationRepository(db)
	resetRepo := repository.NewResetRepository(db)
	auth := service.NewAuthService(userRepo, deviceRepo, verificationRepo, resetRepo, cfg, log)

	return HandlerSet{
		log:         log,
		cfg:         cfg,
		authService: auth,
		db:          db,
		cache:       cache,
		users:       userRepo,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	limiter := middleware.RateLimit(h.cache, h.cfg.RateLimit.RequestsPerMinute)

	v1 := router.Group("/v1")
	{
		auth := v1.Group("/auth")
		auth.Use(limiter)
		auth.POST("/register", h.RegisterUser)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.Refresh)
		auth.POST("/verify", h.ConfirmEmail)
		auth.POST("/verify/resend", h.ResendVerification)
		auth.POST("/password/reset-link", h.RequestPasswordReset)
		auth.POST("/password/reset", h.ResetPassword)

		protected := v1.Group("/auth")
		protected.Use(middleware.Auth(h.cfg, h.users))
		protected.GET("/me", h.Me)
		protected.PUT("/password", h.UpdatePassword)
		protected.POST("/logout", h.Logout)
		protected.GET("/devices", h.ListDevices)
		protected.DELETE("/devices/:deviceId", h.RevokeDevice)
	}
}
