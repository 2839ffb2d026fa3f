package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/attestation"
	"github.com/stratomesh/strato/pkg/command"
	"github.com/stratomesh/strato/pkg/events"
	"github.com/stratomesh/strato/pkg/health"
	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/metrics"
	"github.com/stratomesh/strato/pkg/scheduler"
	"github.com/stratomesh/strato/pkg/store"
)

// Stable error codes surfaced to API callers
const (
	CodeVMNotFound        = "VM_NOT_FOUND"
	CodeNodeNotFound      = "NODE_NOT_FOUND"
	CodeVMNotRunning      = "VM_NOT_RUNNING"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNoCapacity        = "NO_CAPACITY"
	CodeTimeout           = "TIMEOUT"
	CodeForbidden         = "FORBIDDEN"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeValidation        = "VALIDATION"
	CodeInternal          = "INTERNAL"
)

// Deps carries everything the API surface is wired to
type Deps struct {
	Store       *store.Store
	Lifecycle   *lifecycle.Manager
	Scheduler   *scheduler.Scheduler
	Bus         *command.Bus
	Attestation *attestation.Scheduler
	Health      *health.Monitor
	Broker      *events.Broker
	Auth        Authenticator
	Clock       clock.PassiveClock
}

// Server is the orchestrator's HTTP surface
type Server struct {
	store       *store.Store
	lifecycle   *lifecycle.Manager
	scheduler   *scheduler.Scheduler
	bus         *command.Bus
	attestation *attestation.Scheduler
	health      *health.Monitor
	broker      *events.Broker
	auth        Authenticator
	clock       clock.PassiveClock
	logger      zerolog.Logger

	engine *gin.Engine
	httpd  *http.Server
}

// NewServer wires the API routes
func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	s := &Server{
		store:       d.Store,
		lifecycle:   d.Lifecycle,
		scheduler:   d.Scheduler,
		bus:         d.Bus,
		attestation: d.Attestation,
		health:      d.Health,
		broker:      d.Broker,
		auth:        d.Auth,
		clock:       d.Clock,
		logger:      log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestMetrics())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := engine.Group("/api", s.authMiddleware())
	{
		authed.GET("/system/stats", s.handleStats)
		authed.GET("/events", requireKind(KindAdmin), s.handleEventStream)

		vms := authed.Group("/vms", requireKind(KindUser))
		{
			vms.GET("", s.handleListVMs)
			vms.POST("", s.handleCreateVM)
			vms.GET("/:id", s.handleGetVM)
			vms.POST("/:id/action", s.handleVMAction)
			vms.DELETE("/:id", s.handleDeleteVM)
			vms.POST("/:id/secure-password", s.handleStorePassword)
			vms.GET("/:id/encrypted-password", s.handleFetchPassword)
		}

		att := authed.Group("/attestation/vms", requireKind(KindUser))
		{
			att.GET("/:id/status", s.handleAttestationStatus)
			att.POST("/:id/verify", s.handleAttestationVerify)
		}

		nodes := authed.Group("/nodes")
		{
			nodes.GET("", requireKind(KindUser, KindNode), s.handleListNodes)
			nodes.POST("/register", requireKind(KindNode), s.handleRegisterNode)
			nodes.GET("/:id", requireKind(KindUser, KindNode), s.handleGetNode)
			nodes.POST("/:id/heartbeat", requireKind(KindNode), s.handleHeartbeat)
			nodes.POST("/:id/commands/:cmd_id/ack", requireKind(KindNode), s.handleCommandAck)
			nodes.POST("/:id/attestation/:cmd_id/response", requireKind(KindNode), s.handleAttestationResponse)
		}
	}

	s.engine = engine
	return s
}

// Handler exposes the route tree, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpd = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event stream holds connections open
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// envelope helpers

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func failWith(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error_code": code, "message": message})
}
