package routes

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sift-kg/sift/internal/queue"
	"github.com/sift-kg/sift/internal/server/middleware"
)

// IngestHandler accepts one extracted document and enqueues it for the
// worker. Resolution and aggregation happen asynchronously.
func IngestHandler(c echo.Context) error {
	msg := new(queue.IngestMessage)
	if err := c.Bind(msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ch, queue.IngestQueue, data); err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"status":    "queued",
		"source_id": msg.SourceID,
	})
}

// ReindexHandler enqueues projection recomputation for the given records.
func ReindexHandler(c echo.Context) error {
	msg := new(queue.ReindexMessage)
	if err := c.Bind(msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ch, queue.ReindexQueue, data); err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}
