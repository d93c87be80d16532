package handler

import (
	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/database"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/service"
)

// Handler holds all HTTP handlers
type Handler struct {
	db        *database.Postgres
	rdb       *database.Redis
	log       *logger.Logger
	cfg       *config.Config
	authSvc   *service.AuthService
	deviceSvc *service.DeviceService
	tokenSvc  *service.TokenService
	eventSvc  *service.SecurityEventService
}

// New creates a new Handler instance
func New(db *database.Postgres, rdb *database.Redis, log *logger.Logger, cfg *config.Config, authSvc *service.AuthService, deviceSvc *service.DeviceService, tokenSvc *service.TokenService, eventSvc *service.SecurityEventService) *Handler {
	return &Handler{
		db:        db,
		rdb:       rdb,
		log:       log,
		cfg:       cfg,
		authSvc:   authSvc,
		deviceSvc: deviceSvc,
		tokenSvc:  tokenSvc,
		eventSvc:  eventSvc,
	}
}
