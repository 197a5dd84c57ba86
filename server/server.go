package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
)

// CandleSource serves OHLC history for the REST surface. Optional.
type CandleSource interface {
	Candles(v models.Venue, market string) []models.Candle
}

// Server exposes the websocket streaming endpoint plus health and candle
// REST routes.
type Server struct {
	config   *appconfig.Config
	hub      *Hub
	books    BookSource
	candles  CandleSource
	upgrader websocket.Upgrader
	log      *logger.Entry
}

func NewServer(config *appconfig.Config, hub *Hub, books BookSource, candles CandleSource) *Server {
	return &Server{
		config:  config,
		hub:     hub,
		books:   books,
		candles: candles,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.GetLogger().WithComponent("server"),
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	router := s.buildRouter()

	srv := &http.Server{
		Addr:         s.config.Server.Address,
		Handler:      router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logger.Fields{"address": srv.Addr}).Info("streaming server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		s.log.Info("streaming server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies(nil)

	router.GET("/ws", s.handleWebsocket)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/candles/:venue/:market", s.handleCandles)

	return router
}

// handleWebsocket upgrades the connection and runs the session pumps.
// The read pump owns the handler goroutine.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	rl := s.config.Server.RateLimit
	sess := newSession(uuid.NewString(), conn, s.hub,
		s.config.Channels.ClientBuffer, rate.Limit(rl.RequestsPerSecond), rl.BurstSize)
	s.hub.addSession(sess)

	go sess.writePump()
	sess.readPump()
}

func (s *Server) handleHealthz(c *gin.Context) {
	venues := s.books.HealthSnapshot()
	clients, keys := s.hub.counts()

	status := "ok"
	for _, h := range venues {
		if h.State != models.HealthConnected {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"venues":        venues,
		"clients":       clients,
		"subscriptions": keys,
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleCandles(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "candles disabled"})
		return
	}
	venue := models.Venue(c.Param("venue"))
	if !venue.Known() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown venue"})
		return
	}
	out := s.candles.Candles(venue, c.Param("market"))
	c.JSON(http.StatusOK, gin.H{
		"venue":   venue,
		"market":  c.Param("market"),
		"candles": out,
	})
}
