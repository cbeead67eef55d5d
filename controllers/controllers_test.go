package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"clinicmail/automation"
	"clinicmail/models"
	"clinicmail/store"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	siteURL   = "https://clinic.example.com"
	lid       = "7f1c2a9e-3b4d-4e5f-8a6b-1c2d3e4f5a6b"
	hookToken = "whsec_test_0123456789"
)

type fakeStore struct {
	mu           sync.Mutex
	opens        []store.Engagement
	clicks       map[string]string
	unsubscribed []uint
	purchases    map[string]*models.Purchase
	firstNames   []string
	unsubErr     error
	purchaseErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clicks:    map[string]string{},
		purchases: map[string]*models.Purchase{},
	}
}

func (f *fakeStore) RecordOpen(_ context.Context, e store.Engagement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, e)
	return nil
}

func (f *fakeStore) RecordClick(_ context.Context, e store.Engagement, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks[e.DeliveryLogID] = target
	return nil
}

func (f *fakeStore) Unsubscribe(_ context.Context, e store.Engagement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubErr != nil {
		return f.unsubErr
	}
	f.unsubscribed = append(f.unsubscribed, e.SubscriberID)
	return nil
}

func (f *fakeStore) RecordPurchase(_ context.Context, p *models.Purchase, firstName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purchaseErr != nil {
		return false, f.purchaseErr
	}
	if _, ok := f.purchases[p.StripeSessionID]; ok {
		return false, nil
	}
	f.purchases[p.StripeSessionID] = p
	f.firstNames = append(f.firstNames, firstName)
	return true, nil
}

func (f *fakeStore) DeliveryStats(context.Context) ([]store.SequenceStats, error) {
	return []store.SequenceStats{{SequenceID: 1, Name: "Welcome", Sent: 3, Opened: 2}}, nil
}

func (f *fakeStore) RecentErrors(_ context.Context, category string, limit int) ([]models.AutomationError, error) {
	return []models.AutomationError{{Category: category, Message: fmt.Sprintf("limit=%d", limit)}}, nil
}

func newTrackingApp(t *testing.T) (*fiber.App, *fakeStore, *automation.Tracker) {
	t.Helper()
	fs := newFakeStore()
	tracker := automation.NewTracker("https://track.example.com", "tracking-secret-0123456789")
	tc := NewTrackingController(fs, tracker, siteURL, nil, nil)

	app := fiber.New()
	app.Get("/track/open", tc.HandleOpenTracking)
	app.Get("/track/click", tc.HandleClickTracking)
	app.Get("/unsubscribe", tc.HandleUnsubscribe)
	app.Post("/unsubscribe", tc.HandleUnsubscribe)
	return app, fs, tracker
}

func requestURI(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.RequestURI()
}

func TestHandleOpenTracking(t *testing.T) {
	app, fs, tracker := newTrackingApp(t)

	req := httptest.NewRequest("GET", requestURI(t, tracker.OpenURL(lid, 9)), nil)
	req.Header.Set("User-Agent", "MailClient/1.0")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, pixelGIF, body)

	require.Len(t, fs.opens, 1)
	assert.Equal(t, lid, fs.opens[0].DeliveryLogID)
	assert.Equal(t, uint(9), fs.opens[0].SubscriberID)
	assert.Equal(t, "MailClient/1.0", fs.opens[0].UserAgent)
}

func TestHandleOpenTracking_BadSignatureStillServesPixel(t *testing.T) {
	app, fs, _ := newTrackingApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/track/open?lid="+lid+"&sid=9&sig=forged", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	assert.Empty(t, fs.opens)
}

func TestHandleClickTracking(t *testing.T) {
	app, fs, tracker := newTrackingApp(t)
	target := "https://clinic.example.com/book?x=1&y=2"

	resp, err := app.Test(httptest.NewRequest("GET", requestURI(t, tracker.ClickURL(lid, 9, target)), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, target, resp.Header.Get("Location"))
	assert.Equal(t, target, fs.clicks[lid])
}

func TestHandleClickTracking_Rejects(t *testing.T) {
	app, fs, tracker := newTrackingApp(t)

	tampered, err := url.Parse(tracker.ClickURL(lid, 9, "https://clinic.example.com/blog"))
	require.NoError(t, err)
	q := tampered.Query()
	q.Set("url", "https://evil.example.net")
	tampered.RawQuery = q.Encode()

	paths := []string{
		tampered.RequestURI(),
		"/track/click?lid=" + lid + "&sid=9&url=https%3A%2F%2Fevil.example.net",
		requestURI(t, tracker.ClickURL(lid, 9, "javascript:alert(1)")),
	}
	for _, p := range paths {
		resp, err := app.Test(httptest.NewRequest("GET", p, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusFound, resp.StatusCode)
		assert.Equal(t, siteURL, resp.Header.Get("Location"))
	}
	assert.Empty(t, fs.clicks)
}

func TestHandleUnsubscribe(t *testing.T) {
	app, fs, tracker := newTrackingApp(t)
	path := requestURI(t, tracker.UnsubscribeURL(9))

	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "You have been unsubscribed")

	resp, err = app.Test(httptest.NewRequest("POST", path, strings.NewReader("List-Unsubscribe=One-Click")))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []uint{9, 9}, fs.unsubscribed)

	resp, err = app.Test(httptest.NewRequest("GET", "/unsubscribe?sid=10&sig="+tracker.Sign("unsubscribe", "9"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	fs.unsubErr = store.ErrSubscriberNotFound
	resp, err = app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	fs.unsubErr = errors.New("db down")
	resp, err = app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

type stubRunner struct {
	summary *automation.RunSummary
	err     error
}

func (s stubRunner) Run(context.Context) (*automation.RunSummary, error) {
	return s.summary, s.err
}

func newAutomationApp(runner AutomationRunner) *fiber.App {
	ac := NewAutomationController(runner, newFakeStore(), nil)
	app := fiber.New()
	app.Post("/run", ac.RunSequences)
	app.Get("/stats", ac.GetDeliveryStats)
	app.Get("/errors", ac.GetAutomationErrors)
	return app
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRunSequences(t *testing.T) {
	app := newAutomationApp(stubRunner{summary: &automation.RunSummary{Sequences: 2, Sent: 5}})

	resp, err := app.Test(httptest.NewRequest("POST", "/run", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["sequences"])
	assert.Equal(t, float64(5), data["sent"])
}

func TestRunSequences_Errors(t *testing.T) {
	resp, err := newAutomationApp(stubRunner{err: automation.ErrRunInProgress}).
		Test(httptest.NewRequest("POST", "/run", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, err = newAutomationApp(stubRunner{err: errors.New("load active sequences: boom")}).
		Test(httptest.NewRequest("POST", "/run", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["success"])
}

func TestStatsAndErrors(t *testing.T) {
	app := newAutomationApp(stubRunner{})

	resp, err := app.Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	stats := decodeBody(t, resp)["data"].([]interface{})
	require.Len(t, stats, 1)

	resp, err = app.Test(httptest.NewRequest("GET", "/errors?category=send_failed&limit=5", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	errs := decodeBody(t, resp)["data"].([]interface{})
	require.Len(t, errs, 1)
	first := errs[0].(map[string]interface{})
	assert.Equal(t, "send_failed", first["category"])
	assert.Equal(t, "limit=5", first["message"])
}

func checkoutEvent(sessionID, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt_%[1]s",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {
    "object": {
      "id": "%[1]s",
      "object": "checkout.session",
      "amount_total": 19900,
      "currency": "usd",
      "payment_status": "%[2]s",
      "customer_details": {"email": "Maria@Example.com", "name": "Maria Lopez"},
      "metadata": {"product_name": "Pelvic Floor Course"}
    }
  }
}`, sessionID, paymentStatus))
}

func signedWebhookRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func newWebhookApp() (*fiber.App, *fakeStore) {
	fs := newFakeStore()
	sc := NewStripeWebhookController(fs, hookToken, nil)
	app := fiber.New()
	app.Post("/webhooks/stripe", sc.HandleWebhook)
	return app, fs
}

func TestStripeWebhook_RecordsPurchaseOnce(t *testing.T) {
	app, fs := newWebhookApp()
	payload := checkoutEvent("cs_test_1", "paid")

	for i := 0; i < 2; i++ {
		resp, err := app.Test(signedWebhookRequest(payload, hookToken))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	require.Len(t, fs.purchases, 1)
	p := fs.purchases["cs_test_1"]
	assert.Equal(t, "Maria@Example.com", p.Email)
	assert.Equal(t, "Pelvic Floor Course", p.ProductName)
	assert.Equal(t, int64(19900), p.AmountTotal)
	assert.Equal(t, "usd", p.Currency)
	assert.Equal(t, []string{"Maria"}, fs.firstNames)
}

func TestStripeWebhook_SkipsUnpaid(t *testing.T) {
	app, fs := newWebhookApp()

	resp, err := app.Test(signedWebhookRequest(checkoutEvent("cs_test_2", "unpaid"), hookToken))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, fs.purchases)
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	app, fs := newWebhookApp()

	resp, err := app.Test(signedWebhookRequest(checkoutEvent("cs_test_3", "paid"), "whsec_wrong"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader("{}"))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, fs.purchases)
}

func TestStripeWebhook_StoreFailureAsksForRedelivery(t *testing.T) {
	app, fs := newWebhookApp()
	fs.purchaseErr = errors.New("db down")

	resp, err := app.Test(signedWebhookRequest(checkoutEvent("cs_test_4", "paid"), hookToken))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestFirstNameOf(t *testing.T) {
	assert.Equal(t, "Maria", firstNameOf("  Maria   Lopez "))
	assert.Equal(t, "", firstNameOf(""))
}
