package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lwesolowski/homeflux/internal/collector"
	"github.com/lwesolowski/homeflux/internal/domain"
	"github.com/lwesolowski/homeflux/internal/sink"
)

// Register wires the API surface: health, connection status, a usage query,
// and a manual ingestion endpoint for sources that push instead of being
// polled.
func Register(app *fiber.App, mgr *collector.Manager, agg *collector.Aggregator, snk sink.Sink) {
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(mgr.Status())
	})

	app.Get("/usage/:source", func(c *fiber.Ctx) error {
		to := time.Now()
		from := to.Add(-24 * time.Hour)
		var err error
		if q := c.Query("from"); q != "" {
			if from, err = time.Parse(time.RFC3339, q); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "from must be RFC3339"})
			}
		}
		if q := c.Query("to"); q != "" {
			if to, err = time.Parse(time.RFC3339, q); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "to must be RFC3339"})
			}
		}

		source := c.Params("source")
		tags := map[string]string{"source_id": source}
		wh, err := snk.SumField(c.Context(), collector.MeasurementEnergy, "energy_wh", tags, from, to)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"source_id": source,
			"from":      from,
			"to":        to,
			"energy_wh": wh,
		})
	})

	app.Post("/ingest", func(c *fiber.Ctx) error {
		var m domain.Measurement
		if err := c.BodyParser(&m); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed payload"})
		}
		if m.SourceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "source_id is required"})
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		agg.Ingest(m)
		return c.SendStatus(fiber.StatusAccepted)
	})
}
