package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/sift-kg/sift/pkg/aggregate"
	"github.com/sift-kg/sift/pkg/resolve"
	"github.com/sift-kg/sift/pkg/store"
)

// App holds the shared dependencies every handler needs.
type App struct {
	Store      store.CrossModalStore
	Queue      *amqp091.Channel
	Resolver   *resolve.Resolver
	Aggregator *aggregate.Aggregator
}

// AppContext wraps the echo context with the application state.
type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
