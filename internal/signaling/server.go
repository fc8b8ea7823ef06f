package signaling

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/rustyguts/voip/internal/store"
	"github.com/rustyguts/voip/internal/transport"
)

// historyReader is the read-side subset of *store.Store the signaling
// server needs to expose the call-history audit log over HTTP, mirroring
// the teacher's /api/audit endpoint in server/api.go.
type historyReader interface {
	RecentCalls(limit int) ([]store.CallRecord, error)
}

// Server is the HTTP signaling bridge from spec.md §6, built on the same
// echo stack and error-handling convention the teacher's APIServer uses.
type Server struct {
	registry *Registry
	manager  *Manager
	ctrl     *transport.Controller
	history  historyReader
	echo     *echo.Echo
	log      *zap.SugaredLogger

	// TLSConfig, when set, makes Run serve HTTPS instead of plain HTTP.
	// spec.md §6 requires a certificate and key at process start; leaving
	// this nil is only useful for tests that talk to the echo instance
	// directly via httptest.
	TLSConfig *tls.Config

	// ShutdownGrace bounds how long Run waits for in-flight requests to
	// finish after ctx is cancelled. Defaults to 5s when zero.
	ShutdownGrace time.Duration
}

// NewServer constructs a Server and registers every route.
func NewServer(registry *Registry, manager *Manager, ctrl *transport.Controller, log *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Infow("signaling request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{registry: registry, manager: manager, ctrl: ctrl, echo: e, log: log}
	s.registerRoutes()
	return s
}

// WithHistory attaches a read-back route for the call-history audit log.
// Left unset, /api/calls/recent is not registered.
func (s *Server) WithHistory(h historyReader) *Server {
	s.history = h
	s.echo.GET("/api/calls/recent", s.handleRecentCalls)
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/api/health", s.handleHealth)

	s.echo.POST("/api/users/register", s.handleRegister)
	s.echo.GET("/api/users", s.handleListUsers)
	s.echo.GET("/api/users/:id", s.handleGetUser)
	s.echo.POST("/api/users/:id/disconnect", s.handleDisconnect)
	s.echo.POST("/api/users/:id/heartbeat", s.handleHeartbeat)

	s.echo.POST("/api/signal/initiate", s.handleInitiate)
	s.echo.POST("/api/signal/accept", s.handleAccept)
	s.echo.POST("/api/signal/reject", s.handleReject)
	s.echo.POST("/api/signal/end", s.handleEnd)
	s.echo.POST("/api/signal/hold", s.handleHold)
	s.echo.POST("/api/signal/resume", s.handleResume)
	s.echo.GET("/api/signal/status/:call_id", s.handleStatus)
	s.echo.POST("/api/signal/offer", s.handleSetOffer)
	s.echo.POST("/api/signal/answer", s.handleSetAnswer)
	s.echo.POST("/api/signal/candidate", s.handleAddCandidate)
	s.echo.GET("/api/signal/offer/:call_id", s.handleGetOffer)
	s.echo.GET("/api/signal/answer/:call_id", s.handleGetAnswer)
	s.echo.GET("/api/signal/candidates/:call_id", s.handleGetCandidates)
}

// Run starts the Echo server on addr and blocks until ctx is cancelled,
// mirroring the teacher's APIServer.Run shutdown sequencing.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		var err error
		if s.TLSConfig != nil {
			s.echo.TLSServer.Addr = addr
			s.echo.TLSServer.TLSConfig = s.TLSConfig
			err = s.echo.StartServer(s.echo.TLSServer)
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Errorw("signaling server error", "error", err)
		}
	}()
	<-ctx.Done()
	grace := s.ShutdownGrace
	if grace == 0 {
		grace = 5 * time.Second
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Warnw("signaling shutdown", "error", err)
	}
}

// jsonErrorHandler ensures every error response has a consistent
// {"error": "message"} body, matching the teacher's api.go handler.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
	}
}

// --- health -----------------------------------------------------------

type healthResponse struct {
	Status      string `json:"status"`
	CallState   string `json:"call_state"`
	JitterDepth int    `json:"jitter_depth_samples"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		CallState:   s.ctrl.State().String(),
		JitterDepth: s.ctrl.JitterDepth(),
	})
}

// --- call history ---------------------------------------------------------

const defaultRecentCallsLimit = 20

// handleRecentCalls is the read-back route for the call-history audit log,
// mirroring the teacher's /api/audit handler: an optional ?limit= query
// param, newest first.
func (s *Server) handleRecentCalls(c echo.Context) error {
	limit := defaultRecentCallsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	records, err := s.history.RecentCalls(limit)
	if err != nil {
		return fmt.Errorf("signaling: recent calls: %w", err)
	}
	return c.JSON(http.StatusOK, records)
}

// --- users --------------------------------------------------------------

type registerRequest struct {
	Username  string `json:"username"`
	IPAddress string `json:"ip_address"`
}

type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	IPAddress string `json:"ip_address"`
	Status    string `json:"status"`
}

func toUserResponse(u User) userResponse {
	ip := ""
	if u.IPAddress != nil {
		ip = u.IPAddress.String()
	}
	return userResponse{ID: u.ID, Username: u.Username, IPAddress: ip, Status: string(u.Status)}
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Username == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username is required")
	}
	ip := net.ParseIP(req.IPAddress)
	id := uuid.NewString()
	u := s.registry.Register(id, req.Username, ip)
	return c.JSON(http.StatusCreated, toUserResponse(*u))
}

func (s *Server) handleListUsers(c echo.Context) error {
	users := s.registry.List()
	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetUser(c echo.Context) error {
	u := s.registry.Get(c.Param("id"))
	if u == nil {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.JSON(http.StatusOK, toUserResponse(*u))
}

func (s *Server) handleDisconnect(c echo.Context) error {
	s.registry.Disconnect(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	if !s.registry.Heartbeat(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// --- call signaling -------------------------------------------------------

type initiateRequest struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
}

func (s *Server) handleInitiate(c echo.Context) error {
	var req initiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	call, err := s.manager.Initiate(req.CallID, req.CallerID, req.CalleeID)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusCreated, call)
}

type callIDRequest struct {
	CallID string `json:"call_id"`
}

func (s *Server) handleAccept(c echo.Context) error {
	var req callIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.Accept(req.CallID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReject(c echo.Context) error {
	var req callIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.Reject(req.CallID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEnd(c echo.Context) error {
	var req callIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.End(req.CallID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type userIDRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleHold(c echo.Context) error {
	var req userIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.manager.Hold(req.UserID) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResume(c echo.Context) error {
	var req userIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.manager.Resume(req.UserID) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStatus(c echo.Context) error {
	call := s.manager.Get(c.Param("call_id"))
	if call == nil {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}
	return c.JSON(http.StatusOK, call)
}

type sdpRequest struct {
	CallID string `json:"call_id"`
	SDP    string `json:"sdp"`
}

func (s *Server) handleSetOffer(c echo.Context) error {
	var req sdpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.SetOffer(req.CallID, req.SDP); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetAnswer(c echo.Context) error {
	var req sdpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.SetAnswer(req.CallID, req.SDP); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type candidateRequest struct {
	CallID    string `json:"call_id"`
	Candidate string `json:"candidate"`
}

func (s *Server) handleAddCandidate(c echo.Context) error {
	var req candidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.AddCandidate(req.CallID, req.Candidate); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetOffer(c echo.Context) error {
	call := s.manager.Get(c.Param("call_id"))
	if call == nil {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"sdp": call.Offer})
}

func (s *Server) handleGetAnswer(c echo.Context) error {
	call := s.manager.Get(c.Param("call_id"))
	if call == nil {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"sdp": call.Answer})
}

func (s *Server) handleGetCandidates(c echo.Context) error {
	call := s.manager.Get(c.Param("call_id"))
	if call == nil {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}
	return c.JSON(http.StatusOK, call.Candidates)
}
