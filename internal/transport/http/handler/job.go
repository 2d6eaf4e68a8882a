package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/repository"
	"github.com/gin-gonic/gin"
)

// jobAdmin is the subset of agenda.Agenda the admin HTTP surface
// drives: read-only queries plus the three lifecycle mutations an
// operator may trigger by hand. Defined here, at the point of use, so
// tests can inject a fake.
type jobAdmin interface {
	QueryJobs(ctx context.Context, filter repository.Query, sort repository.Sort, skip, limit int) ([]*domain.Job, int, error)
	GetJobsOverview(ctx context.Context) ([]domain.Overview, error)
	Cancel(ctx context.Context, name string, ids []string) (int, error)
	Disable(ctx context.Context, name string, ids []string) (int, error)
	Enable(ctx context.Context, name string, ids []string) (int, error)
}

type JobHandler struct {
	agenda jobAdmin
	logger *slog.Logger
}

func NewJobHandler(agenda jobAdmin, logger *slog.Logger) *JobHandler {
	return &JobHandler{agenda: agenda, logger: logger.With("component", "job_handler")}
}

type jobListResponse struct {
	Jobs      []*domain.Job `json:"jobs"`
	Total     int           `json:"total"`
	DerivedAt time.Time     `json:"derivedAt"`
}

// GET /jobs?name=&id=&id=&sort=nextRunAt&desc=false&skip=0&limit=50
func (h *JobHandler) List(c *gin.Context) {
	filter := repository.Query{
		Name: c.Query("name"),
		IDs:  c.QueryArray("id"),
	}
	sort := repository.DefaultSort
	if f := c.Query("sort"); f != "" {
		sort.Field = f
	}
	sort.Desc = c.Query("desc") == "true"

	skip, _ := strconv.Atoi(c.Query("skip"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = 50
	}

	jobs, total, err := h.agenda.QueryJobs(c.Request.Context(), filter, sort, skip, limit)
	if err != nil {
		h.logger.Error("query jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, jobListResponse{Jobs: jobs, Total: total, DerivedAt: time.Now()})
}

// GET /jobs/overview
func (h *JobHandler) Overview(c *gin.Context) {
	overview, err := h.agenda.GetJobsOverview(c.Request.Context())
	if err != nil {
		h.logger.Error("get jobs overview", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, gin.H{"overview": overview})
}

type lifecycleRequest struct {
	Name string   `json:"name"`
	IDs  []string `json:"ids"`
}

// POST /jobs/cancel
func (h *JobHandler) Cancel(c *gin.Context) {
	h.lifecycleOp(c, h.agenda.Cancel)
}

// POST /jobs/disable
func (h *JobHandler) Disable(c *gin.Context) {
	h.lifecycleOp(c, h.agenda.Disable)
}

// POST /jobs/enable
func (h *JobHandler) Enable(c *gin.Context) {
	h.lifecycleOp(c, h.agenda.Enable)
}

func (h *JobHandler) lifecycleOp(c *gin.Context, op func(context.Context, string, []string) (int, error)) {
	var req lifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" && len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name or ids required"})
		return
	}

	n, err := op(c.Request.Context(), req.Name, req.IDs)
	if err != nil {
		h.logger.Error("job lifecycle op", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected": n})
}
