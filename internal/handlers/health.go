package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/pkg/response"
)

// Health returns a simple status payload useful for readiness checks. A
// database that cannot be reached degrades the report instead of failing it.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		dbStatus := "ok"
		if db != nil {
			if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(requestContext(c)) != nil {
				dbStatus = "unreachable"
			}
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok", "database": dbStatus})
	}
}
