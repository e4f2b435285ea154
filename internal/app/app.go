package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gatewayops/channelpool/internal/config"
	"github.com/gatewayops/channelpool/internal/db"
	admin "github.com/gatewayops/channelpool/internal/http/api/admin"
	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/security"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// EnvAdminUsername and EnvAdminPassword seed the first admin account.
	EnvAdminUsername = "ADMIN_USERNAME"
	EnvAdminPassword = "ADMIN_PASSWORD"
)

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the admin API server with database-backed components.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	if errSeed := EnsureAdmin(conn); errSeed != nil {
		return errSeed
	}

	jwtConfig, _ := config.LoadJWTConfig(configPath)
	if strings.TrimSpace(jwtConfig.Secret) == "" {
		return errors.New("missing jwt secret (set `jwt.secret` in config file or JWT_SECRET)")
	}
	hcConfig, _ := config.LoadHealthCheckConfig(configPath)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	sweeper := admin.RegisterAdminRoutes(engine, conn, jwtConfig, hcConfig)
	sweeper.Start(ctx, hcConfig.AutoTestInterval)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("starting admin server on %s with config=%s", server.Addr, configPath)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown error")
		}
		<-errCh
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// EnsureAdmin creates the seed admin account from environment variables when
// no admin exists yet. With no seed credentials and an empty table it fails,
// since the API would otherwise be unreachable.
func EnsureAdmin(conn *gorm.DB) error {
	var count int64
	if errCount := conn.Model(&models.Admin{}).Count(&count).Error; errCount != nil {
		return errCount
	}
	if count > 0 {
		return nil
	}

	username := strings.TrimSpace(os.Getenv(EnvAdminUsername))
	password := os.Getenv(EnvAdminPassword)
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("no admin account exists; set %s and %s to seed one", EnvAdminUsername, EnvAdminPassword)
	}
	if len(password) < 6 {
		return errors.New("admin password must be at least 6 characters")
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return errHash
	}
	admin := models.Admin{
		Username: username,
		Password: hash,
		Active:   true,
	}
	if errCreate := conn.Create(&admin).Error; errCreate != nil {
		return errCreate
	}
	log.WithField("username", username).Info("seeded initial admin account")
	return nil
}
