package controller

import (
	"context"
	"errors"

	"clinicmail/automation"
	"clinicmail/models"
	"clinicmail/store"
	"clinicmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type AutomationRunner interface {
	Run(ctx context.Context) (*automation.RunSummary, error)
}

type AutomationStatsStore interface {
	DeliveryStats(ctx context.Context) ([]store.SequenceStats, error)
	RecentErrors(ctx context.Context, category string, limit int) ([]models.AutomationError, error)
}

// AutomationController exposes the engine to operators and the external cron
type AutomationController struct {
	runner AutomationRunner
	stats  AutomationStatsStore
	logger *logrus.Entry
}

func NewAutomationController(runner AutomationRunner, stats AutomationStatsStore, logger *logrus.Entry) *AutomationController {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AutomationController{
		runner: runner,
		stats:  stats,
		logger: logger.WithField("component", "automation-api"),
	}
}

// RunSequences performs one invocation and returns its summary
func (ac *AutomationController) RunSequences(c *fiber.Ctx) error {
	summary, err := ac.runner.Run(c.UserContext())
	if errors.Is(err, automation.ErrRunInProgress) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "A sequence run is already in progress", nil)
	}
	if err != nil {
		utils.LogError("sequence_run_failed", err, map[string]interface{}{
			"subject": c.Locals("subject"),
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Sequence run failed", err)
	}

	return c.JSON(utils.SuccessResponse(summary))
}

func (ac *AutomationController) GetDeliveryStats(c *fiber.Ctx) error {
	stats, err := ac.stats.DeliveryStats(c.UserContext())
	if err != nil {
		ac.logger.WithError(err).Error("Failed to load delivery stats")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load delivery stats", nil)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

func (ac *AutomationController) GetAutomationErrors(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	errs, err := ac.stats.RecentErrors(c.UserContext(), c.Query("category"), limit)
	if err != nil {
		ac.logger.WithError(err).Error("Failed to load automation errors")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load automation errors", nil)
	}
	return c.JSON(utils.SuccessResponse(errs))
}
