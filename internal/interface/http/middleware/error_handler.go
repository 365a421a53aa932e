package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-settlement/internal/interface/http/response"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

// ErrorHandler превращает ошибки, добавленные через c.Error, в конверт ответа.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}
		response.Error(c, c.Errors.Last().Err)
	}
}

// Recovery ловит панику обработчика и отвечает INTERNAL_ERROR.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Log.WithFields(logrus.Fields{
			"panic":  recovered,
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("паника в обработчике")
		c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
			Success: false,
			Error: &response.ErrorInfo{
				Code:    string(apperror.ErrCodeInternal),
				Message: "внутренняя ошибка сервера",
			},
		})
	})
}

// RequestLogger пишет запрос в logrus после ответа.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		entry := logger.Log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(started).String(),
		})
		if userID, ok := UserID(c); ok {
			entry = entry.WithField("user_id", userID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("http запрос")
			return
		}
		entry.Debug("http запрос")
	}
}
