package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sift-kg/sift/internal/server/middleware"
	"github.com/sift-kg/sift/pkg/store"
)

func GetEntitiesHandler(c echo.Context) error {
	type getEntitiesParams struct {
		IncludeRetired bool `query:"include_retired"`
	}

	params := new(getEntitiesParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	st := c.(*middleware.AppContext).App.Store
	ctx := c.Request().Context()

	entities, err := st.ListEntities(ctx, params.IncludeRetired)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entities)
}

func GetEntityHandler(c echo.Context) error {
	type getEntityParams struct {
		ID string `param:"id" validate:"required"`
	}

	params := new(getEntityParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	st := c.(*middleware.AppContext).App.Store
	ctx := c.Request().Context()

	entity, err := st.GetEntity(ctx, params.ID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Entity not found"})
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	mentions, err := st.GetMentions(ctx, entity.MentionIDs)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"entity":   entity,
		"mentions": mentions,
	})
}
