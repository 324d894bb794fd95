package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/survey-quality/dashboard/internal/scheduler"
	"github.com/survey-quality/dashboard/internal/storage/sqlite"
	"github.com/survey-quality/dashboard/pkg/logger"
)

const recentCycleLimit = 20

type StatusHandler struct {
	sched *scheduler.Scheduler
	store *sqlite.Client
}

func NewStatusHandler(sched *scheduler.Scheduler, store *sqlite.Client) *StatusHandler {
	return &StatusHandler{
		sched: sched,
		store: store,
	}
}

// HandleStatus reports the scheduler state, the newest success and failure,
// and the recent cycle history. Reasons are the classified short strings,
// never raw error text.
func (h *StatusHandler) HandleStatus(c *fiber.Ctx) error {
	st := h.sched.Status()

	resp := fiber.Map{
		"state":            st.State,
		"interval_minutes": st.IntervalMinutes,
	}
	if st.SnapshotID != "" {
		resp["snapshot_id"] = st.SnapshotID
		resp["snapshot_generated_at"] = st.SnapshotGeneratedAt
	}
	if st.LastSuccess != nil {
		resp["last_success"] = st.LastSuccess
	}
	if st.LastFailure != nil {
		resp["last_failure"] = st.LastFailure
	}
	if st.FetchBreaker != "" {
		resp["fetch_breaker"] = st.FetchBreaker
	}

	cycles, err := h.store.RecentCycles(recentCycleLimit)
	if err != nil {
		logger.Warn("Failed to load cycle history", zap.Error(err))
	} else {
		history := make([]fiber.Map, 0, len(cycles))
		for _, cy := range cycles {
			entry := fiber.Map{
				"id":          cy.ID,
				"trigger":     cy.Trigger,
				"outcome":     cy.Outcome,
				"started_at":  cy.StartedAt,
				"duration_ms": cy.DurationMS,
				"counts": fiber.Map{
					"raw":      cy.RawCount,
					"clean":    cy.CleanCount,
					"dropped":  cy.DroppedCount,
					"filtered": cy.FilteredCount,
					"excluded": cy.ExcludedCount,
				},
			}
			if cy.Reason != "" {
				entry["reason"] = cy.Reason
			}
			history = append(history, entry)
		}
		resp["recent_cycles"] = history
	}

	return c.JSON(resp)
}

// HandleMetrics returns the QualitySummary behind the current snapshot as
// JSON, for anything that wants the numbers without scraping the page.
func (h *StatusHandler) HandleMetrics(c *fiber.Ctx) error {
	snap := h.sched.Snapshot()
	if snap == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No snapshot available yet",
		})
	}

	return c.JSON(snap.Summary)
}
