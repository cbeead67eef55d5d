package controller

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clinicmail/automation"
	"clinicmail/metrics"
	"clinicmail/models"
	"clinicmail/store"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// transparent 1x1 GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02,
	0x44, 0x01, 0x00, 0x3b,
}

// TrackingStore persists engagement. Each call stamps the first-event
// timestamp on the delivery log and appends an analytics event.
type TrackingStore interface {
	RecordOpen(ctx context.Context, e store.Engagement) error
	RecordClick(ctx context.Context, e store.Engagement, url string) error
	Unsubscribe(ctx context.Context, e store.Engagement) error
}

type TrackingController struct {
	store   TrackingStore
	tracker *automation.Tracker
	siteURL string
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time
}

func NewTrackingController(s TrackingStore, tracker *automation.Tracker, siteURL string, m *metrics.Metrics, logger *logrus.Entry) *TrackingController {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TrackingController{
		store:   s,
		tracker: tracker,
		siteURL: siteURL,
		metrics: m,
		logger:  logger.WithField("component", "tracking"),
		now:     time.Now,
	}
}

// HandleOpenTracking always answers with the pixel; bad signatures are just not recorded
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	lid, sid, sig := c.Query("lid"), c.Query("sid"), c.Query("sig")

	subscriberID, ok := parseSubscriberID(sid)
	valid := ok && lid != "" && tc.tracker.Verify(sig, lid, sid)
	tc.metrics.ObserveTracking(models.EventEmailOpen, valid)

	if valid {
		err := tc.store.RecordOpen(c.UserContext(), tc.engagement(c, lid, subscriberID))
		tc.logRecordError(err, models.EventEmailOpen, lid)
	} else {
		tc.logger.WithField("ip", c.IP()).Debug("Ignoring open with invalid signature")
	}

	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, private")
	c.Set("Pragma", "no-cache")
	c.Set("Expires", "0")
	return c.Send(pixelGIF)
}

// HandleClickTracking redirects to the signed target, or to the site for anything else
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	lid, sid, sig := c.Query("lid"), c.Query("sid"), c.Query("sig")
	target := c.Query("url")

	subscriberID, ok := parseSubscriberID(sid)
	valid := ok && lid != "" && isHTTPURL(target) && tc.tracker.Verify(sig, lid, sid, target)
	tc.metrics.ObserveTracking(models.EventEmailClick, valid)

	if !valid {
		tc.logger.WithFields(logrus.Fields{
			"ip":  c.IP(),
			"url": target,
		}).Warn("Rejected click with invalid signature or target")
		return c.Redirect(tc.siteURL, fiber.StatusFound)
	}

	err := tc.store.RecordClick(c.UserContext(), tc.engagement(c, lid, subscriberID), target)
	tc.logRecordError(err, models.EventEmailClick, lid)

	return c.Redirect(target, fiber.StatusFound)
}

// HandleUnsubscribe serves both the link click (GET) and RFC 8058 one-click (POST)
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	sid, sig := c.Query("sid"), c.Query("sig")

	subscriberID, ok := parseSubscriberID(sid)
	valid := ok && tc.tracker.Verify(sig, "unsubscribe", sid)
	tc.metrics.ObserveTracking(models.EventUnsubscribe, valid)

	if !valid {
		return c.Status(fiber.StatusBadRequest).Type("html").SendString(unsubscribePage(
			"This unsubscribe link is invalid or incomplete.", tc.siteURL))
	}

	err := tc.store.Unsubscribe(c.UserContext(), tc.engagement(c, "", subscriberID))
	switch {
	case errors.Is(err, store.ErrSubscriberNotFound):
		return c.Status(fiber.StatusNotFound).Type("html").SendString(unsubscribePage(
			"We could not find this subscription.", tc.siteURL))
	case err != nil:
		tc.logger.WithError(err).WithField("subscriber_id", subscriberID).Error("Failed to unsubscribe")
		return c.Status(fiber.StatusInternalServerError).Type("html").SendString(unsubscribePage(
			"Something went wrong. Please try again later.", tc.siteURL))
	}

	tc.logger.WithField("subscriber_id", subscriberID).Info("Subscriber unsubscribed")
	return c.Type("html").SendString(unsubscribePage(
		"You have been unsubscribed and will not receive further emails.", tc.siteURL))
}

func (tc *TrackingController) engagement(c *fiber.Ctx, lid string, subscriberID uint) store.Engagement {
	return store.Engagement{
		DeliveryLogID: strings.Clone(lid),
		SubscriberID:  subscriberID,
		IPAddress:     strings.Clone(c.IP()),
		UserAgent:     strings.Clone(c.Get(fiber.HeaderUserAgent)),
		At:            tc.now(),
	}
}

func (tc *TrackingController) logRecordError(err error, event, lid string) {
	if err == nil {
		return
	}
	entry := tc.logger.WithFields(logrus.Fields{
		"event":           event,
		"delivery_log_id": lid,
	})
	if errors.Is(err, store.ErrDeliveryNotFound) {
		entry.Warn("Tracking event for unknown delivery")
		return
	}
	entry.WithError(err).Error("Failed to record tracking event")
}

func parseSubscriberID(sid string) (uint, bool) {
	id, err := strconv.ParseUint(sid, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func unsubscribePage(message, siteURL string) string {
	return `<!DOCTYPE html><html><head><meta charset="utf-8"><title>Email preferences</title></head>` +
		`<body style="font-family:sans-serif;max-width:480px;margin:64px auto;text-align:center">` +
		`<p>` + message + `</p><p><a href="` + siteURL + `">Back to the site</a></p></body></html>`
}
