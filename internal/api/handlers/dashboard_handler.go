package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/survey-quality/dashboard/internal/scheduler"
	"github.com/survey-quality/dashboard/pkg/logger"
	"github.com/survey-quality/dashboard/pkg/utils"
)

// startingPage is served with 503 until the first cycle has published a
// snapshot. It refreshes itself so a browser lands on the dashboard as soon
// as one exists.
const startingPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta http-equiv="refresh" content="15">
  <title>Survey Quality Dashboard</title>
</head>
<body>
  <h1>Survey Quality Dashboard</h1>
  <p>The first data refresh has not completed yet. This page reloads automatically.</p>
</body>
</html>
`

type DashboardHandler struct {
	sched *scheduler.Scheduler
	// updateTimeout bounds how long /update waits for its cycle.
	updateTimeout time.Duration
}

func NewDashboardHandler(sched *scheduler.Scheduler) *DashboardHandler {
	return &DashboardHandler{
		sched:         sched,
		updateTimeout: 2 * time.Minute,
	}
}

// ServeDashboard returns the current snapshot HTML. The page is
// byte-deterministic per snapshot, so the ETag only changes when the data
// does and a meta-refresh poll costs a 304.
func (h *DashboardHandler) ServeDashboard(c *fiber.Ctx) error {
	snap := h.sched.Snapshot()
	if snap == nil {
		c.Set(fiber.HeaderRetryAfter, "15")
		c.Type("html", "utf-8")
		return c.Status(fiber.StatusServiceUnavailable).SendString(startingPage)
	}

	etag := `"` + utils.HashBytes(snap.HTML) + `"`
	c.Set(fiber.HeaderETag, etag)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	if c.Get(fiber.HeaderIfNoneMatch) == etag {
		return c.SendStatus(fiber.StatusNotModified)
	}

	c.Type("html", "utf-8")
	return c.Send(snap.HTML)
}

// HandleUpdate triggers a refresh and waits for the cycle that honors it.
// Concurrent updates coalesce in the scheduler; every caller gets the result
// of the same run. Browsers are sent back to the page, API clients get JSON
// with the classified reason only.
func (h *DashboardHandler) HandleUpdate(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), h.updateTimeout)
	defer cancel()

	res, err := h.sched.TriggerAndWait(ctx)
	if err != nil {
		logger.Warn("Manual refresh did not complete in time", zap.Error(err))
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"status": "timeout",
			"error":  "Refresh did not complete in time",
		})
	}

	wantsHTML := c.Method() == fiber.MethodGet &&
		strings.Contains(c.Get(fiber.HeaderAccept), "text/html")
	if wantsHTML {
		return c.Redirect("/", fiber.StatusSeeOther)
	}

	if res.Outcome != "success" {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"status": "failed",
			"reason": res.Reason,
		})
	}

	return c.JSON(fiber.Map{
		"status":      "ok",
		"cycle_id":    res.CycleID,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// HandleDownload streams the Excel report belonging to the current snapshot,
// so the download always matches the page being shown.
func (h *DashboardHandler) HandleDownload(c *fiber.Ctx) error {
	snap := h.sched.Snapshot()
	if snap == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No report available yet",
		})
	}

	c.Set(fiber.HeaderContentDisposition, `attachment; filename="quality_report.xlsx"`)
	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	return c.Send(snap.Export)
}
