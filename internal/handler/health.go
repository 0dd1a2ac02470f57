package handler

import (
	"context"
	"net/http"
	"time"

	"pharmapos/internal/infra"
	"pharmapos/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Health checks DB and Redis connectivity and reports gateway breaker states
// and the alert dead-letter backlog. Never exposes credentials or internals.
func Health(db *gorm.DB, rdb *redis.Client, gateways infra.Gateways) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		dbStatus := "connected"
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "error"
		}

		redisStatus := "connected"
		var dlq int64
		if rdb.Ping(ctx).Err() != nil {
			redisStatus = "error"
		} else if n, err := worker.DLQLength(ctx, rdb, worker.QueueAlerts); err == nil {
			dlq = n
		}

		status := http.StatusOK
		if dbStatus != "connected" || redisStatus != "connected" {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"ok":         status == http.StatusOK,
			"db":         dbStatus,
			"redis":      redisStatus,
			"gateways":   gateways.BreakerStates(),
			"alerts_dlq": dlq,
		})
	}
}

// ParkedAlerts lists alerts that exhausted their retries, newest first.
func ParkedAlerts(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, limit := pageParams(c)
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		parked, err := worker.ParkedAlerts(c.Request.Context(), rdb, int64(limit))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": parked, "limit": limit})
	}
}
