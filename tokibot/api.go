package tokibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	apiPrefix              = "/api"
	apiPathKeepAlive       = "/"
	apiHealthCheck         = "/healthz"
	apiPathMetrics         = "/metrics"
	apiPathSanctions       = "/sanctions"
	apiPathConfessionBans  = "/confession_bans"
	apiPathGetConfession   = "/confessions/:id"
	xRequestIDHeader       = "X-Request-ID"
	keepAliveMessage       = "Bot en ligne"
	apiUnknownRouteMessage = "not found"
)

// API serves the keep-alive ping, health checks, prometheus metrics and
// a read-only view of the ledger and the confession board.
type API struct {
	config     *APIConfig   // Configuration for the API server
	httpServer *http.Server // The underlying HTTP server
	listener   net.Listener // Network listener for the HTTP server.
	engine     *gin.Engine  // Gin engine for routing HTTP requests
	logger     *slog.Logger // Logger for API-related events

	handlers *APIHandlers
}

// newAPI sets up the gin engine, its middleware and routes, and the
// HTTP server.
func newAPI(b *Bot, config *APIConfig) *API {
	logger := newLogger(defaultLogWriter, config.LogLevel, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
		handlers: &APIHandlers{
			bot:    b,
			logger: logger,
		},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(),
	)
	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: apiUnknownRouteMessage})
		},
	)

	r.GET(apiPathKeepAlive, api.handlers.keepAlive)
	r.HEAD(apiPathKeepAlive, api.handlers.keepAlive)
	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.GET(apiPathMetrics, gin.WrapH(promhttp.Handler()))

	group := r.Group(apiPrefix)
	group.GET(apiPathSanctions, api.handlers.getSanctions)
	group.GET(apiPathConfessionBans, api.handlers.getConfessionBans)
	group.GET(apiPathGetConfession, api.handlers.getConfession)

	return api
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the server, forcing it closed if ctx ends
// first.
func (a *API) Shutdown(ctx context.Context) error {
	err := a.httpServer.Shutdown(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(err, a.httpServer.Close())
	}
	return err
}

type APIHandlers struct {
	bot    *Bot
	logger *slog.Logger
}

func (h *APIHandlers) keepAlive(c *gin.Context) {
	ginReplyMessage(c, keepAliveMessage)
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	b := h.bot
	resp := healthCheckResponse{
		DiscordGatewayConnected: b.discord.connected.Load(),
		Guilds:                  len(b.discord.Guilds()),
		ActiveSanctions:         len(b.ledger.Records()),
	}
	if !b.startedAt.IsZero() {
		resp.Uptime = time.Since(b.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

// getSanctions lists active bans. The moderator and the reason stay
// private to the command log channel.
func (h *APIHandlers) getSanctions(c *gin.Context) {
	records := h.bot.ledger.Records()
	views := make([]sanctionView, 0, len(records))
	for _, r := range records {
		views = append(views, sanctionView{UserID: r.UserID, EndTime: r.EndTime})
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandlers) getConfessionBans(c *gin.Context) {
	bans := h.bot.board.Bans()
	views := make([]confessionBanView, 0, len(bans))
	for _, b := range bans {
		views = append(views, confessionBanView{UserID: b.UserID, Until: b.Until})
	}
	c.JSON(http.StatusOK, views)
}

// getConfession returns a confession's metadata. The author and the
// text are never exposed.
func (h *APIHandlers) getConfession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	confession, err := h.bot.board.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: apiUnknownRouteMessage})
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error loading confession")
		return
	}
	c.JSON(
		http.StatusOK,
		confessionDetail{
			ID:        confession.ID,
			ReplyTo:   confession.ReplyTo,
			Responses: confession.Responses,
			Timestamp: confession.Timestamp,
			ChannelID: confession.ChannelID,
			MessageID: confession.MessageID,
			ThreadID:  confession.ThreadID,
			InThread:  confession.InThread,
			Reports:   len(h.bot.board.Reports(id)),
		},
	)
}

// sanctionView is the public view of a SanctionRecord
type sanctionView struct {
	UserID  Snowflake `json:"user_id"`
	EndTime *UnixTime `json:"end_time"`
}

// confessionBanView is the public view of a BanEntry
type confessionBanView struct {
	UserID Snowflake `json:"user_id"`
	Until  *UnixTime `json:"until"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Guilds                  int    `json:"guilds"`
	ActiveSanctions         int    `json:"active_sanctions"`
	Uptime                  string `json:"uptime,omitempty"`
}

// confessionDetail is the public view of a Confession
type confessionDetail struct {
	ID        int64     `json:"id"`
	ReplyTo   *int64    `json:"reply_to"`
	Responses []int64   `json:"responses"`
	Timestamp Timestamp `json:"timestamp"`
	ChannelID Snowflake `json:"channel_id,omitempty"`
	MessageID Snowflake `json:"message_id,omitempty"`
	ThreadID  Snowflake `json:"thread_id,omitempty"`
	InThread  bool      `json:"in_thread"`
	Reports   int       `json:"reports"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration, status and any errors attached to the gin context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Debug(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method, route and status.
func metricMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metricAPIRequests.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
