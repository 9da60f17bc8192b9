package logic

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/logic/internal/logic/result"
	"github.com/ehr/logic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/logic", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleAnalyst))
	read.POST("/parse", h.ParseCriteria)
	read.POST("/eval", h.Evaluate)
	read.POST("/eval/cohort", h.EvaluateCohort)
	read.GET("/tokens", h.ListTokens)
	read.GET("/tokens/:token/tags", h.ListTokenTags)
	read.GET("/tags", h.ListTags)
	read.GET("/tags/:tag/tokens", h.ListTokensWithTag)
	read.GET("/datasources", h.ListDataSources)

	write := api.Group("/logic", auth.RequireRole(auth.RoleAdmin))
	write.POST("/tokens/:token/tags", h.AddTokenTag)
	write.DELETE("/tokens/:token/tags/:tag", h.RemoveTokenTag)
}

// ParseRequest is the body of POST /logic/parse.
type ParseRequest struct {
	Criteria string `json:"criteria"`
}

type ParseResponse struct {
	Criteria  string   `json:"criteria"`
	RootToken string   `json:"root_token"`
	Tokens    []string `json:"tokens"`
}

// EvalRequest is the body of POST /logic/eval and /logic/eval/cohort.
type EvalRequest struct {
	PatientID  uuid.UUID      `json:"patient_id"`
	PatientIDs []uuid.UUID    `json:"patient_ids"`
	Criteria   string         `json:"criteria"`
	Parameters map[string]any `json:"parameters"`
	// IndexDate is YYYY-MM-DD or RFC 3339; empty means now.
	IndexDate string `json:"index_date"`
}

type EvalResponse struct {
	PatientID uuid.UUID     `json:"patient_id"`
	Criteria  string        `json:"criteria"`
	Result    result.Result `json:"result"`
	Boolean   bool          `json:"boolean"`
}

type CohortResponse struct {
	Criteria string                      `json:"criteria"`
	Results  map[uuid.UUID]result.Result `json:"results"`
	Matched  []uuid.UUID                 `json:"matched"`
}

func (h *Handler) ParseCriteria(c echo.Context) error {
	var req ParseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	crit, err := h.svc.Parse(req.Criteria)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ParseResponse{
		Criteria:  crit.String(),
		RootToken: crit.RootToken(),
		Tokens:    crit.Expression().Tokens(),
	})
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req EvalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	crit, lc, err := h.prepare(req)
	if err != nil {
		return err
	}
	r, err := h.svc.EvalInContext(c.Request().Context(), lc, req.PatientID, crit, req.Parameters)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, EvalResponse{
		PatientID: req.PatientID,
		Criteria:  crit.String(),
		Result:    r,
		Boolean:   r.Exists(),
	})
}

func (h *Handler) EvaluateCohort(c echo.Context) error {
	var req EvalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cohort := NewCohort(req.PatientIDs...)
	if len(cohort) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_ids is required")
	}
	crit, err := h.svc.Parse(req.Criteria)
	if err != nil {
		return httpError(err)
	}
	var opts []ContextOption
	if req.IndexDate != "" {
		idx, err := parseIndexDate(req.IndexDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		opts = append(opts, WithIndexDate(idx))
	}
	results, err := h.svc.EvalCohort(c.Request().Context(), cohort, crit, req.Parameters, opts...)
	if err != nil {
		return httpError(err)
	}
	matched := make([]uuid.UUID, 0, len(cohort))
	for _, id := range cohort {
		if results[id].Exists() {
			matched = append(matched, id)
		}
	}
	return c.JSON(http.StatusOK, CohortResponse{Criteria: crit.String(), Results: results, Matched: matched})
}

func (h *Handler) prepare(req EvalRequest) (*Criteria, *Context, error) {
	crit, err := h.svc.Parse(req.Criteria)
	if err != nil {
		return nil, nil, httpError(err)
	}
	var opts []ContextOption
	if req.IndexDate != "" {
		idx, err := parseIndexDate(req.IndexDate)
		if err != nil {
			return nil, nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		opts = append(opts, WithIndexDate(idx))
	}
	return crit, h.svc.NewContext(opts...), nil
}

func parseIndexDate(s string) (time.Time, error) {
	if t, err := time.Parse(result.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("index_date must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

func (h *Handler) ListTokens(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Tokens(c.QueryParam("q")))
}

func (h *Handler) ListTokenTags(c echo.Context) error {
	token := c.Param("token")
	if !h.svc.HasRule(token) {
		return echo.NewHTTPError(http.StatusNotFound, "token not found")
	}
	return c.JSON(http.StatusOK, h.svc.TokenTags(token))
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (h *Handler) AddTokenTag(c echo.Context) error {
	var req tagRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddTokenTag(c.Param("token"), req.Tag); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.svc.TokenTags(c.Param("token")))
}

func (h *Handler) RemoveTokenTag(c echo.Context) error {
	if err := h.svc.RemoveTokenTag(c.Param("token"), c.Param("tag")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTags(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Tags(c.QueryParam("q")))
}

func (h *Handler) ListTokensWithTag(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.TokensWithTag(c.Param("tag")))
}

func (h *Handler) ListDataSources(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.DataSources())
}

// httpError maps engine errors to HTTP status codes.
func httpError(err error) error {
	var pe *ParseError
	switch {
	case errors.As(err, &pe), errors.Is(err, ErrTypeMismatch), errors.Is(err, ErrCycleDetected):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrDataSourceNotFound), errors.Is(err, ErrKeyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEvaluationTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
