package handler_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/repository"
	"github.com/distsched/agenda/internal/transport/http/handler"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// fakeJobAdmin implements the unexported jobAdmin interface via method matching.
type fakeJobAdmin struct {
	queryJobs       func(ctx context.Context, filter repository.Query, sort repository.Sort, skip, limit int) ([]*domain.Job, int, error)
	getJobsOverview func(ctx context.Context) ([]domain.Overview, error)
	cancel          func(ctx context.Context, name string, ids []string) (int, error)
	disable         func(ctx context.Context, name string, ids []string) (int, error)
	enable          func(ctx context.Context, name string, ids []string) (int, error)
}

func (f *fakeJobAdmin) QueryJobs(ctx context.Context, filter repository.Query, sort repository.Sort, skip, limit int) ([]*domain.Job, int, error) {
	return f.queryJobs(ctx, filter, sort, skip, limit)
}

func (f *fakeJobAdmin) GetJobsOverview(ctx context.Context) ([]domain.Overview, error) {
	return f.getJobsOverview(ctx)
}

func (f *fakeJobAdmin) Cancel(ctx context.Context, name string, ids []string) (int, error) {
	return f.cancel(ctx, name, ids)
}

func (f *fakeJobAdmin) Disable(ctx context.Context, name string, ids []string) (int, error) {
	return f.disable(ctx, name, ids)
}

func (f *fakeJobAdmin) Enable(ctx context.Context, name string, ids []string) (int, error) {
	return f.enable(ctx, name, ids)
}

func newJobTestEngine(a *fakeJobAdmin) *gin.Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h := handler.NewJobHandler(a, logger)

	r := gin.New()
	r.GET("/jobs", h.List)
	r.GET("/jobs/overview", h.Overview)
	r.POST("/jobs/cancel", h.Cancel)
	r.POST("/jobs/disable", h.Disable)
	r.POST("/jobs/enable", h.Enable)
	return r
}

func TestList_DefaultsLimitAndForwardsFilter(t *testing.T) {
	var gotFilter repository.Query
	var gotSkip, gotLimit int
	a := &fakeJobAdmin{
		queryJobs: func(_ context.Context, filter repository.Query, _ repository.Sort, skip, limit int) ([]*domain.Job, int, error) {
			gotFilter, gotSkip, gotLimit = filter, skip, limit
			return []*domain.Job{{Name: "reindex"}}, 1, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs?name=reindex", nil)
	newJobTestEngine(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "reindex", gotFilter.Name)
	require.Equal(t, 0, gotSkip)
	require.Equal(t, 50, gotLimit, "limit must default to 50 when unset")
	require.Contains(t, w.Body.String(), `"total":1`)
}

func TestList_RepositoryError_Returns500(t *testing.T) {
	a := &fakeJobAdmin{
		queryJobs: func(_ context.Context, _ repository.Query, _ repository.Sort, _, _ int) ([]*domain.Job, int, error) {
			return nil, 0, errors.New("db down")
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	newJobTestEngine(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestOverview_Success_Returns200(t *testing.T) {
	a := &fakeJobAdmin{
		getJobsOverview: func(_ context.Context) ([]domain.Overview, error) {
			return []domain.Overview{{Name: "reindex", Queued: 3}}, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/overview", nil)
	newJobTestEngine(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "reindex")
}

func TestCancel_MissingNameAndIDs_Returns400(t *testing.T) {
	a := &fakeJobAdmin{}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/cancel", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	newJobTestEngine(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancel_ByName_ReturnsAffectedCount(t *testing.T) {
	a := &fakeJobAdmin{
		cancel: func(_ context.Context, name string, ids []string) (int, error) {
			require.Equal(t, "reindex", name)
			require.Empty(t, ids)
			return 4, nil
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/cancel", strings.NewReader(`{"name":"reindex"}`))
	req.Header.Set("Content-Type", "application/json")
	newJobTestEngine(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"affected":4`)
}

func TestDisable_ByIDs_ReturnsAffectedCount(t *testing.T) {
	a := &fakeJobAdmin{
		disable: func(_ context.Context, name string, ids []string) (int, error) {
			require.Empty(t, name)
			require.Equal(t, []string{"id-1", "id-2"}, ids)
			return 2, nil
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/disable", strings.NewReader(`{"ids":["id-1","id-2"]}`))
	req.Header.Set("Content-Type", "application/json")
	newJobTestEngine(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"affected":2`)
}

func TestEnable_OpError_Returns500(t *testing.T) {
	a := &fakeJobAdmin{
		enable: func(_ context.Context, _ string, _ []string) (int, error) {
			return 0, errors.New("backend unavailable")
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/enable", strings.NewReader(`{"name":"reindex"}`))
	req.Header.Set("Content-Type", "application/json")
	newJobTestEngine(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}
