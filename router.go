package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/choraleia/relaychat/pkg/event"
	"github.com/choraleia/relaychat/pkg/handler"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/gin-gonic/gin"
)

type Server struct {
	ginEngine *gin.Engine
	app       *App
	logger    *slog.Logger
	addr      string
	port      int
	stopped   chan struct{}
}

func NewServer(app *App) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow common localhost origins.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, "+
					handler.HeaderUserID+", "+handler.HeaderProviderKey)
			} else {
				// Reject unknown origins.
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		app:       app,
		logger:    utils.GetLogger(),
		addr:      fmt.Sprintf("%s:%d", app.cfg.Host(), app.cfg.Port()),
		stopped:   make(chan struct{}),
	}

	server.SetupRoutes()

	return server
}

// Start listens and serves in the background until ctx ends. It returns an
// error only if the listener cannot be opened or serving fails at once.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		defer close(s.stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

// Stopped is closed once the server has shut down.
func (s *Server) Stopped() <-chan struct{} { return s.stopped }

func (s *Server) SetupRoutes() {
	chatHandler := handler.NewChatHandler(s.app.chatService)
	modelHandler := handler.NewModelHandler(s.app.modelService)
	uploadHandler := handler.NewUploadHandler(s.app.attachments)
	titleWS := event.NewWSHandler(s.app.emitter, handler.UserID)

	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api", handler.Identity())

	// /api/models
	modelHandler.RegisterRoutes(apiGroup)

	// /api/chats
	chatHandler.RegisterRoutes(apiGroup)

	// /api/uploads
	uploadHandler.RegisterRoutes(apiGroup)

	// Title stream
	// /api/titles/ws
	apiGroup.GET("/titles/ws", titleWS.Handle)
}
