// Package httpapi 本地状态与控制接口，给同机的 UI 或运维脚本轮询和触发操作。
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"realtime-sync/internal/store"
	"realtime-sync/internal/synccore"
)

// Core synccore.Service 对外暴露的那部分
type Core interface {
	Status(ctx context.Context) synccore.Status
	Reconnect()
	JoinRoom(room string) error
	LeaveRoom(room string) error
	SaveSnapshot(ctx context.Context, userID string) (store.CacheInfo, error)
	LoadSnapshot(ctx context.Context) (store.Snapshot, bool)
	CacheInfo(ctx context.Context) store.CacheInfo
	ClearSnapshot(ctx context.Context) error
}

type handler struct {
	core   Core
	logger *slog.Logger
}

// NewRouter allowOrigins 为空时不允许任何浏览器跨域访问
func NewRouter(core Core, allowOrigins []string, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{core: core, logger: logger.With("component", "httpapi")}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.accessLog())
	r.Use(originPolicy(allowOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/status", h.status)
	r.POST("/reconnect", h.reconnect)
	r.POST("/rooms/:room", h.joinRoom)
	r.DELETE("/rooms/:room", h.leaveRoom)

	snap := r.Group("/snapshot")
	snap.POST("", h.saveSnapshot)
	snap.GET("", h.loadSnapshot)
	snap.GET("/info", h.cacheInfo)
	snap.DELETE("", h.clearSnapshot)
	return r
}

// originPolicy 接口持有用户快照，只对配置的来源开放跨域；其他带 Origin 的请求直接 403，
// 包括浏览器不做预检的简单 POST
func originPolicy(allowOrigins []string) gin.HandlerFunc {
	if len(allowOrigins) == 0 {
		return func(c *gin.Context) {
			if c.GetHeader("Origin") != "" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cross-origin request not allowed"})
				return
			}
			c.Next()
		}
	}
	// 不在列表里的来源由 cors 中间件返回 403
	return cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func (h *handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.core.Status(c.Request.Context()))
}

// reconnect 只登记一次防抖重连，立即返回
func (h *handler) reconnect(c *gin.Context) {
	h.core.Reconnect()
	c.JSON(http.StatusAccepted, gin.H{"message": "reconnect scheduled"})
}

func (h *handler) joinRoom(c *gin.Context) {
	room := c.Param("room")
	if err := h.core.JoinRoom(room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "joined": true})
}

func (h *handler) leaveRoom(c *gin.Context) {
	room := c.Param("room")
	if err := h.core.LeaveRoom(room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "joined": false})
}

type saveReq struct {
	UserID string `json:"userId"`
}

func (h *handler) saveSnapshot(c *gin.Context) {
	var req saveReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		req.UserID = c.Query("userId")
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing userId"})
		return
	}
	info, err := h.core.SaveSnapshot(c.Request.Context(), req.UserID)
	if err != nil {
		h.logger.Warn("snapshot save failed", "user", req.UserID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) loadSnapshot(c *gin.Context) {
	snap, ok := h.core.LoadSnapshot(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) cacheInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.core.CacheInfo(c.Request.Context()))
}

func (h *handler) clearSnapshot(c *gin.Context) {
	if err := h.core.ClearSnapshot(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
