package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sift-kg/sift/internal/server/middleware"
	"github.com/sift-kg/sift/pkg/store"
)

// MergeEntitiesHandler unifies two entities after a reviewer or a later
// extraction confirms they are the same referent.
func MergeEntitiesHandler(c echo.Context) error {
	type mergeParams struct {
		EntityA string `json:"entity_a" validate:"required"`
		EntityB string `json:"entity_b" validate:"required"`
	}

	params := new(mergeParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	survivor, err := app.Resolver.Merge(ctx, params.EntityA, params.EntityB)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Entity not found"})
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"survivor_id": survivor})
}

// SplitEntityHandler detaches mentions from an entity into a new one,
// reversing an incorrect merge.
func SplitEntityHandler(c echo.Context) error {
	type splitParams struct {
		ID         string   `param:"id" validate:"required"`
		MentionIDs []string `json:"mention_ids" validate:"required,min=1,dive,required"`
	}

	params := new(splitParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	newID, err := app.Resolver.Split(ctx, params.ID, params.MentionIDs)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Entity not found"})
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"entity_id": newID})
}
