package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sift-kg/sift/internal/server/middleware"
	"github.com/sift-kg/sift/pkg/aggregate"
	"github.com/sift-kg/sift/pkg/store"
)

func GetClaimHandler(c echo.Context) error {
	type getClaimParams struct {
		ID string `param:"id" validate:"required"`
	}

	params := new(getClaimParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	st := c.(*middleware.AppContext).App.Store
	ctx := c.Request().Context()

	claim, err := st.GetClaim(ctx, params.ID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Claim not found"})
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, claim)
}

// GetClaimTrailHandler explains how a claim's posterior was computed. A
// degraded dependency detection still yields a trail, marked low trust.
func GetClaimTrailHandler(c echo.Context) error {
	type getTrailParams struct {
		ID string `param:"id" validate:"required"`
	}

	params := new(getTrailParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	trail, err := app.Aggregator.Explain(ctx, params.ID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Claim not found"})
	}
	var insufficient *aggregate.InsufficientEvidenceError
	if errors.As(err, &insufficient) {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if err != nil && trail == nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, trail)
}
