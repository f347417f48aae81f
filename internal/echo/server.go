// Package echo is a small mutual-TLS service used to exercise mtlsclient end
// to end: it echoes payloads, reports the caller's certificate, exchanges a
// certificate for an access token, and can fail on demand so retry behaviour
// can be observed against a real server.
package echo

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/mtlsclient/internal/identity"
	"github.com/jmerrifield20/mtlsclient/internal/metrics"
	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
	"github.com/jmerrifield20/mtlsclient/pkg/transport"
)

// ServiceName is the gRPC health service name reported by the echo server.
const ServiceName = "mtlsclient.echo"

// Config wires the server's collaborators.
type Config struct {
	Issuer      *identity.Issuer
	Tokens      *identity.TokenIssuer
	Logger      *zap.Logger
	CORSOrigins []string
	// Health, when set, is also served over HTTP at HealthGatewayPath.
	Health grpc_health_v1.HealthServer
}

// Server holds the HTTP routes. Use Handler to serve them.
type Server struct {
	issuer *identity.Issuer
	tokens *identity.TokenIssuer
	logger *zap.Logger
	engine *gin.Engine

	mu       sync.Mutex
	failures map[string]int // flaky key -> failures served so far
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		issuer:   cfg.Issuer,
		tokens:   cfg.Tokens,
		logger:   logger,
		failures: make(map[string]int),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", transport.RequestIDHeader},
			ExposeHeaders:    []string{"Content-Length", transport.RequestIDHeader},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(metrics.GinMiddleware())
	router.Use(requestLogger(logger))

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mtls-echo"})
	})
	router.GET("/metrics", metrics.GinHandler())

	v1 := router.Group("/v1", identity.RequireClientCert(s.issuer))
	{
		v1.POST("/echo", s.Echo)
		v1.GET("/whoami", s.WhoAmI)
		v1.POST("/token", s.Token)
		v1.GET("/status/:code", s.Status)
		v1.GET("/flaky/:key", s.Flaky)
		v1.GET("/secure", identity.RequireToken(s.tokens), s.Secure)
		if cfg.Health != nil {
			v1.GET("/health/:service", gin.WrapH(NewHealthGateway(cfg.Health)))
		}
	}

	s.engine = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Echo handles POST /v1/echo.
func (s *Server) Echo(c *gin.Context) {
	var req EchoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, EchoResponse{
		Message:   req.Message,
		Tags:      req.Tags,
		Client:    identity.ClientCertFromCtx(c).Subject.CommonName,
		RequestID: c.GetHeader(transport.RequestIDHeader),
	})
}

// WhoAmI handles GET /v1/whoami.
func (s *Server) WhoAmI(c *gin.Context) {
	cert := identity.ClientCertFromCtx(c)
	c.JSON(http.StatusOK, Identity{
		CommonName:  cert.Subject.CommonName,
		Serial:      cert.SerialNumber.Text(16),
		Fingerprint: tlsutil.Fingerprint(cert),
		NotAfter:    cert.NotAfter.UTC(),
	})
}

// Token handles POST /v1/token: the caller's certificate is exchanged for a
// short-lived bearer token bound to that certificate.
func (s *Server) Token(c *gin.Context) {
	cert := identity.ClientCertFromCtx(c)
	tok, exp, err := s.tokens.Issue(cert.Subject.CommonName, tlsutil.Fingerprint(cert), []string{"echo"})
	if err != nil {
		s.logger.Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(exp).Seconds()),
	})
}

// Secure handles GET /v1/secure, reachable with a certificate and a token.
func (s *Server) Secure(c *gin.Context) {
	claims := identity.ClaimsFromCtx(c)
	c.JSON(http.StatusOK, gin.H{"subject": claims.Subject, "scopes": claims.Scopes})
}

// Status handles GET /v1/status/:code by answering with that status.
func (s *Server) Status(c *gin.Context) {
	code, err := strconv.Atoi(c.Param("code"))
	if err != nil || code < 200 || code > 599 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code must be an HTTP status between 200 and 599"})
		return
	}
	c.JSON(code, gin.H{"status": code})
}

// Flaky handles GET /v1/flaky/:key?failures=N&status=S. The first N calls for
// key answer S (default 503); later calls succeed.
func (s *Server) Flaky(c *gin.Context) {
	key := c.Param("key")
	failures, _ := strconv.Atoi(c.DefaultQuery("failures", "2"))
	failStatus, err := strconv.Atoi(c.DefaultQuery("status", "503"))
	if err != nil || failStatus < 400 || failStatus > 599 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be between 400 and 599"})
		return
	}

	s.mu.Lock()
	served := s.failures[key]
	if served < failures {
		s.failures[key] = served + 1
	}
	s.mu.Unlock()

	if served < failures {
		c.JSON(failStatus, gin.H{"error": "injected failure", "attempt": served + 1})
		return
	}
	c.JSON(http.StatusOK, FlakyResponse{Key: key, FailuresServed: served})
}

// NewGRPCServer returns a gRPC server exposing the standard health service,
// plus the health server so callers can flip serving status.
func NewGRPCServer(logger *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	srv := grpc.NewServer(opts...)

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthSvc)
	healthSvc.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return srv, healthSvc
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetHeader(transport.RequestIDHeader)),
		)
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
