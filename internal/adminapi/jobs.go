package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultHistoryLimit = 20
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrInvalidJob), errors.Is(err, job.ErrInvalidCron), errors.Is(err, job.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, job.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := http.StatusInternalServerError, err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		code = statusFor(err)
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("admin api error", logx.String("path", c.Path()), logx.Int("status", code), logx.Err(err))
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	body := errorBody{Error: msg, RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		s.log.Warn("admin api write error failed", logx.Err(err))
	}
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "id must be a positive integer")
	}
	return id, nil
}

func queryInt(c echo.Context, name string, def, max int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}

func (s *Server) createJob(c echo.Context) error {
	var spec job.Spec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return err
	}
	if s.deps.Types != nil && !s.deps.Types.Has(spec.Type) {
		return fmt.Errorf("%w (known: %s)", job.UnknownType(spec.Type), strings.Join(s.deps.Types.Types(), ", "))
	}
	j, err := s.deps.Store.Create(c.Request().Context(), spec)
	if err != nil {
		return err
	}
	s.log.Info("job created", logx.Int64("job_id", j.ID), logx.String("job_name", j.Name), logx.String("job_type", j.Type))
	return c.JSON(http.StatusCreated, j)
}

func (s *Server) listJobs(c echo.Context) error {
	f := job.Filter{Status: job.Status(strings.TrimSpace(c.QueryParam("status")))}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be pending, completed or failed")
	}
	var err error
	if f.Limit, err = queryInt(c, "limit", defaultListLimit, maxListLimit); err != nil {
		return err
	}
	if f.Offset, err = queryInt(c, "offset", 0, 0); err != nil {
		return err
	}
	jobs, err := s.deps.Store.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) overdueJobs(c echo.Context) error {
	jobs, err := s.deps.Store.Overdue(c.Request().Context())
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	j, err := s.deps.Store.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, j)
}

func (s *Server) updateJob(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var p job.Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	j, err := s.deps.Store.Update(c.Request().Context(), id, p)
	if err != nil {
		return err
	}
	s.log.Info("job updated", logx.Int64("job_id", j.ID), logx.Int("version", j.Version))
	return c.JSON(http.StatusOK, j)
}

func (s *Server) deleteJob(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Store.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	s.log.Info("job deleted", logx.Int64("job_id", id))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) jobHistory(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", defaultHistoryLimit, maxListLimit)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.deps.Store.Get(ctx, id); err != nil {
		return err
	}
	hist, err := s.deps.Store.ListHistory(ctx, id, limit)
	if err != nil {
		return err
	}
	if hist == nil {
		hist = []job.History{}
	}
	return c.JSON(http.StatusOK, hist)
}
