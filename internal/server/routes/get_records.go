package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sift-kg/sift/internal/server/middleware"
	"github.com/sift-kg/sift/pkg/store"
)

func GetRecordHandler(c echo.Context) error {
	type getRecordParams struct {
		ID       string `param:"id" validate:"required"`
		Modality string `query:"modality"`
	}

	params := new(getRecordParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	if params.Modality == "" {
		params.Modality = string(store.ModalityGraph)
	}
	modality, err := store.ParseModality(params.Modality)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	st := c.(*middleware.AppContext).App.Store
	ctx := c.Request().Context()

	view, err := st.Get(ctx, params.ID, modality)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Record not found"})
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

func GetCommitLogHandler(c echo.Context) error {
	st := c.(*middleware.AppContext).App.Store
	ctx := c.Request().Context()

	log, err := st.CommitLog(ctx)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, log)
}
