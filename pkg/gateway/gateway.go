// Package gateway serves the HTTP admin surface of a node: health, metrics,
// cluster status and read access to the coordination tree.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/turnstile/api/v1"
	"github.com/pixperk/turnstile/pkg/lock"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Backend is the part of the gRPC service the gateway exposes.
type Backend interface {
	GetStatus(context.Context, *pb.GetStatusRequest) (*pb.GetStatusResponse, error)
	Children(context.Context, *pb.ChildrenRequest) (*pb.ChildrenResponse, error)
	SetData(context.Context, *pb.SetDataRequest) (*pb.SetDataResponse, error)
}

type Server struct {
	httpServer *http.Server
	backend    Backend
	logger     hclog.Logger
}

func NewServer(httpAddr string, backend Backend, logger hclog.Logger) *Server {
	s := &Server{
		httpServer: &http.Server{
			Addr:              httpAddr,
			ReadHeaderTimeout: 5 * time.Second,
		},
		backend: backend,
		logger:  logging.OrNull(logger).Named("gateway"),
	}
	s.httpServer.Handler = s.Handler()
	return s
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	if s.logger.IsTrace() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/children", s.getChildren)
		v1.POST("/revoke", s.revoke)
	}
	return router
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	resp, err := s.backend.GetStatus(c.Request.Context(), &pb.GetStatusRequest{})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getChildren(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter required"})
		return
	}

	resp, err := s.backend.Children(c.Request.Context(), &pb.ChildrenRequest{Path: path})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type revokeRequest struct {
	Path string `json:"path" binding:"required"`
}

// asks the holder of a lock node to release it
func (s *Server) revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, err := s.backend.SetData(c.Request.Context(), &pb.SetDataRequest{
		Path: req.Path,
		Data: []byte(lock.RevokeMessage),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("revocation requested", "path", req.Path)
	c.JSON(http.StatusAccepted, gin.H{"path": req.Path})
}

// maps a gRPC status to an HTTP response
func (s *Server) fail(c *gin.Context, err error) {
	st := status.Convert(err)

	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.AlreadyExists, codes.FailedPrecondition:
		code = http.StatusConflict
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": st.Message()})
}

// Start serves until Stop. A closed server is not an error.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("HTTP gateway listening", "addr", lis.Addr().String())
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
