package controller

import (
	"context"
	"encoding/json"
	"strings"

	"clinicmail/models"
	"clinicmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
)

// PurchaseRecorder stores completed checkouts; the course_purchase trigger reads them back
type PurchaseRecorder interface {
	RecordPurchase(ctx context.Context, p *models.Purchase, firstName string) (bool, error)
}

type StripeWebhookController struct {
	store         PurchaseRecorder
	webhookSecret string
	logger        *logrus.Entry
}

func NewStripeWebhookController(s PurchaseRecorder, webhookSecret string, logger *logrus.Entry) *StripeWebhookController {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StripeWebhookController{
		store:         s,
		webhookSecret: webhookSecret,
		logger:        logger.WithField("component", "stripe-webhook"),
	}
}

// HandleWebhook processes Stripe webhook events
func (sc *StripeWebhookController) HandleWebhook(c *fiber.Ctx) error {
	event, err := utils.ConstructStripeEvent(c, sc.webhookSecret)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook", nil)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			sc.logger.WithError(err).Error("Failed to parse checkout session")
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Error parsing checkout session", nil)
		}
		return sc.handleCheckoutCompleted(c, &session)

	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

func (sc *StripeWebhookController) handleCheckoutCompleted(c *fiber.Ctx, session *stripe.CheckoutSession) error {
	// async methods complete later with their own event
	if session.PaymentStatus != "" && session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return c.SendStatus(fiber.StatusOK)
	}

	email, name := session.CustomerEmail, ""
	if session.CustomerDetails != nil {
		if session.CustomerDetails.Email != "" {
			email = session.CustomerDetails.Email
		}
		name = session.CustomerDetails.Name
	}
	if !utils.ValidEmail(email) {
		sc.logger.WithField("session_id", session.ID).Warn("Checkout session without a usable customer email")
		return c.SendStatus(fiber.StatusOK)
	}

	purchase := &models.Purchase{
		StripeSessionID: session.ID,
		Email:           email,
		ProductName:     session.Metadata["product_name"],
		AmountTotal:     session.AmountTotal,
		Currency:        string(session.Currency),
	}
	created, err := sc.store.RecordPurchase(c.UserContext(), purchase, firstNameOf(name))
	if err != nil {
		utils.LogError("purchase_record_failed", err, map[string]interface{}{
			"session_id": session.ID,
		})
		// non-2xx makes Stripe redeliver
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record purchase", nil)
	}

	if created {
		utils.LogEvent("course_purchased", map[string]interface{}{
			"session_id":   session.ID,
			"product_name": purchase.ProductName,
			"amount_total": purchase.AmountTotal,
		})
	}
	return c.SendStatus(fiber.StatusOK)
}

func firstNameOf(fullName string) string {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
