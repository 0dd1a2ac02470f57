package router

import (
	"net/http"
	"time"

	"pharmapos/internal/config"
	"pharmapos/internal/handler"
	"pharmapos/internal/infra"
	"pharmapos/internal/middleware"
	"pharmapos/internal/service"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Deps are the collaborators built in the composition root.
type Deps struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Gateways    infra.Gateways
	Cash        service.CashService
	Settlements service.SettlementService
	Exceptions  service.ExceptionService
}

// New returns a configured Gin engine.
// Dependency graph: Handler ← Service ← Repository ← DB/Redis
func New(cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Global middleware chain (order matters)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS(cfg.CORSOrigin))
	r.Use(middleware.ErrorHandler())

	cashH := handler.NewCashHandler(d.Cash)
	settleH := handler.NewSettlementHandler(d.Settlements)
	callbackH := handler.NewCallbackHandler(d.Settlements)
	excH := handler.NewExceptionHandler(d.Exceptions)

	// ── Public ───────────────────────────────────────────────────────────────
	if d.DB != nil && d.Redis != nil {
		r.GET("/health", handler.Health(d.DB, d.Redis, d.Gateways))
	} else {
		r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	}

	// Gateway callbacks authenticate by handle lookup, not JWT.
	gw := r.Group("/v1/gateways", middleware.RateLimiter("callbacks", 600, time.Minute))
	{
		gw.POST("/mpesa/callback", callbackH.MPesa)
		gw.POST("/e2payments/callback", callbackH.E2Payments)
	}

	// ── Protected ────────────────────────────────────────────────────────────
	anyOperator := middleware.RequireRole(middleware.RoleCashier, middleware.RoleSupervisor, middleware.RoleAdmin)
	backOffice := middleware.RequireRole(middleware.RoleSupervisor, middleware.RoleAdmin)

	v1 := r.Group("/v1", middleware.JWTAuth(cfg.JWTSecret), middleware.RateLimiter("api", 1000, time.Minute))
	{
		cash := v1.Group("/cash/sessions")
		{
			cash.POST("", anyOperator, cashH.Open)
			cash.GET("", backOffice, cashH.History)
			cash.GET("/current", anyOperator, cashH.Current)
			cash.GET("/:id", anyOperator, cashH.Get)
			cash.GET("/:id/audit", backOffice, cashH.Audit)
			cash.POST("/:id/movements", anyOperator, cashH.RecordMovement)
			cash.POST("/:id/close", anyOperator, cashH.Close)
		}

		st := v1.Group("/settlements", anyOperator)
		{
			st.POST("", settleH.Request)
			st.GET("/:id", settleH.Get)
			st.POST("/:id/cancel", settleH.Cancel)
		}

		exc := v1.Group("/reconciliation-exceptions", backOffice)
		{
			exc.GET("", excH.List)
			exc.POST("/:id/resolve", excH.Resolve)
			if d.Redis != nil {
				exc.GET("/parked-alerts", handler.ParkedAlerts(d.Redis))
			}
		}
	}

	// Swagger UI outside production only
	if cfg.Env != "production" {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	return r
}
