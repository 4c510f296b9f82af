package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// StatusSection contributes one named entry to the status document.
type StatusSection struct {
	Name    string
	Collect func(ctx context.Context) (any, error)
}

// Status renders every section under "sections". A section whose Collect
// fails is reported as {"error": ...}; the others are still rendered.
func Status(sections ...StatusSection) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		if ctx == nil {
			ctx = context.Background()
		}

		out := make(map[string]any, len(sections))
		failed := 0

		for _, section := range sections {
			if section.Collect == nil {
				continue
			}

			value, err := section.Collect(ctx)
			if err != nil {
				failed++
				out[section.Name] = fiber.Map{"error": err.Error()}

				continue
			}

			out[section.Name] = value
		}

		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"sections":    out,
			"failed":      failed,
			"generatedAt": time.Now().UTC(),
		})
	}
}
