package ruledef

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/logic/internal/platform/auth"
	"github.com/ehr/logic/pkg/pagination"
)

const mimeYAML = "application/yaml"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/rules", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleAnalyst))
	read.GET("", h.List)
	read.GET("/export", h.Export)
	read.GET("/:id", h.Get)

	write := api.Group("/rules", auth.RequireRole(auth.RoleAdmin))
	write.POST("", h.Create)
	write.POST("/import", h.Import)
	write.PUT("/:id", h.Update)
	write.DELETE("/:id", h.Delete)
	write.POST("/:id/tags", h.AddTag)
	write.DELETE("/:id/tags/:tag", h.RemoveTag)
}

type TagRequest struct {
	Tag string `json:"tag"`
}

func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateToken):
		return http.StatusConflict
	}
	return fallback
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var d Definition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &d); err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusBadRequest), err.Error())
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusInternalServerError), err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Definition{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var d Definition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.ID = id
	if err := h.svc.Update(c.Request().Context(), &d); err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusBadRequest), err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusInternalServerError), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Import accepts a YAML rule file as the request body.
func (h *Handler) Import(c echo.Context) error {
	res, err := h.svc.Import(c.Request().Context(), c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusBadRequest), err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// Export writes every stored definition as a YAML rule file.
func (h *Handler) Export(c echo.Context) error {
	defs, err := h.svc.Export(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	var buf bytes.Buffer
	if err := EncodeFile(&buf, defs); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, mimeYAML, buf.Bytes())
}

func (h *Handler) AddTag(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req TagRequest
	if err := c.Bind(&req); err != nil || req.Tag == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tag is required")
	}
	return h.changeTag(c, id, req.Tag, true)
}

func (h *Handler) RemoveTag(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	return h.changeTag(c, id, c.Param("tag"), false)
}

func (h *Handler) changeTag(c echo.Context, id uuid.UUID, tag string, add bool) error {
	ctx := c.Request().Context()
	d, err := h.svc.Get(ctx, id)
	if err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusInternalServerError), err.Error())
	}
	if add {
		err = h.svc.AddTag(ctx, d.Token, tag)
	} else {
		err = h.svc.RemoveTag(ctx, d.Token, tag)
	}
	if err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusInternalServerError), err.Error())
	}
	d, err = h.svc.Get(ctx, id)
	if err != nil {
		return echo.NewHTTPError(statusFor(err, http.StatusInternalServerError), err.Error())
	}
	return c.JSON(http.StatusOK, d)
}
