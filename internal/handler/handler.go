package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/reward"
	"arandu-chain-sync/internal/service"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Issuer interface {
	Issue(ctx context.Context, c reward.Completion) (*reward.Result, error)
}

type Dashboards interface {
	Student(ctx context.Context, wallet string) (*service.StudentDashboard, error)
	Teacher(ctx context.Context, wallet string) (*service.TeacherDashboard, error)
}

type Stats interface {
	Capture(ctx context.Context) (*models.SystemMetricsSnapshot, error)
	Latest(ctx context.Context) (*models.SystemMetricsSnapshot, error)
	History(ctx context.Context, limit int) ([]models.SystemMetricsSnapshot, error)
}

type HealthChecker interface {
	Check(ctx context.Context) (*service.Health, error)
}

func writeJSON(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

func writeError(c *gin.Context, statusCode int, err error) {
	body := gin.H{"error": err.Error()}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = code
	}
	writeJSON(c, statusCode, body)
}

// statusFor maps an error to its HTTP status. pendingHash reports whether
// a transaction hash is already known for the request.
func statusFor(err error, pendingHash bool) int {
	switch errors.CodeOf(err) {
	case errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrInsufficientFunds, errors.ErrUnhealthyContract:
		return http.StatusServiceUnavailable
	case errors.ErrReverted:
		return http.StatusUnprocessableEntity
	case errors.ErrTransient, errors.ErrRetriesExhausted, errors.ErrBlockFetch, errors.ErrRPConnect:
		if pendingHash {
			return http.StatusAccepted
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type ActivityHandler struct {
	issuer Issuer
}

func NewActivityHandler(issuer Issuer) *ActivityHandler {
	return &ActivityHandler{issuer: issuer}
}

// Complete records a finished activity and issues its reward. A mint that
// was sent but is not yet confirmed answers 202 with its hash.
func (h *ActivityHandler) Complete(c *gin.Context) {
	var req reward.Completion
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, errors.New(errors.ErrValidation, "invalid request body", err))
		return
	}

	res, err := h.issuer.Issue(c.Request.Context(), req)
	if err != nil {
		pending := res != nil && res.TxHash != ""
		status := statusFor(err, pending)
		if status == http.StatusAccepted {
			writeJSON(c, status, gin.H{"result": res, "warning": err.Error()})
			return
		}
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			logger.WithFields(logrus.Fields{
				"student_id":  req.StudentID,
				"activity_id": req.ActivityID,
			}).WithError(err).Error("Activity completion failed")
		}
		writeError(c, status, err)
		return
	}

	if res.Status == models.RewardPending {
		writeJSON(c, http.StatusAccepted, gin.H{"result": res})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"result": res})
}

type DashboardHandler struct {
	dashboards Dashboards
}

func NewDashboardHandler(dashboards Dashboards) *DashboardHandler {
	return &DashboardHandler{dashboards: dashboards}
}

func (h *DashboardHandler) Student(c *gin.Context) {
	dash, err := h.dashboards.Student(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		writeError(c, statusFor(err, false), err)
		return
	}
	writeJSON(c, http.StatusOK, dash)
}

func (h *DashboardHandler) Teacher(c *gin.Context) {
	dash, err := h.dashboards.Teacher(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		writeError(c, statusFor(err, false), err)
		return
	}
	if !dash.IsTeacher {
		writeJSON(c, http.StatusForbidden, gin.H{"error": "wallet does not hold the teacher role", "dashboard": dash})
		return
	}
	writeJSON(c, http.StatusOK, dash)
}

type StatsHandler struct {
	stats Stats
}

func NewStatsHandler(stats Stats) *StatsHandler {
	return &StatsHandler{stats: stats}
}

// GetStats returns the latest snapshot, capturing the first one on demand.
func (h *StatsHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	snapshot, err := h.stats.Latest(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if snapshot == nil {
		snapshot, err = h.stats.Capture(ctx)
		if err != nil {
			writeError(c, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, snapshot)
}

func (h *StatsHandler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit < 1 || limit > 500 {
		limit = 24
	}

	history, err := h.stats.History(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"items": history,
		"limit": limit,
	})
}

type HealthHandler struct {
	health HealthChecker
}

func NewHealthHandler(health HealthChecker) *HealthHandler {
	return &HealthHandler{health: health}
}

// HandleHealth answers 200 whenever a report could be built; degraded
// chain state is described in the body.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	report, err := h.health.Check(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}

// requestLogger tags each request with an id and logs it on completion.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		c.Next()

		logger.WithFields(logrus.Fields{
			"request_id": id,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

type Handlers struct {
	Activity  *ActivityHandler
	Dashboard *DashboardHandler
	Stats     *StatsHandler
	Health    *HealthHandler
}

func NewRouter(h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api")
	{
		api.POST("/activities/complete", h.Activity.Complete)
		api.GET("/dashboard/student/:wallet", h.Dashboard.Student)
		api.GET("/dashboard/teacher/:wallet", h.Dashboard.Teacher)
		api.GET("/admin/stats", h.Stats.GetStats)
		api.GET("/admin/stats/history", h.Stats.GetHistory)
	}

	r.GET("/health", h.Health.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
