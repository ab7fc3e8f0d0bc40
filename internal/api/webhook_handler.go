package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

const (
	sourceHeader    = "X-Platform-Source"
	signatureHeader = "X-Signature"
)

// WebhookSecrets is satisfied by *secrets.Resolver.
type WebhookSecrets interface {
	WebhookSecret(ctx context.Context, p model.Platform) string
}

// WebhookHandler accepts service events pushed by the platforms.
type WebhookHandler struct {
	logger  *zap.Logger
	events  EventHandler
	secrets WebhookSecrets
}

// NewWebhookHandler creates a WebhookHandler. secrets may be nil, which disables signature checks.
func NewWebhookHandler(logger *zap.Logger, ev EventHandler, secrets WebhookSecrets) *WebhookHandler {
	return &WebhookHandler{logger: logger, events: ev, secrets: secrets}
}

// HandleWebhook processes POST /webhooks/:source.
func (h *WebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	source, ok := parsePlatform(c.Params("source"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "unknown platform"})
	}

	header, ok := parsePlatform(c.Get(sourceHeader))
	if !ok || header != source {
		h.logger.Warn("webhook.source_mismatch",
			zap.String("path", string(source)),
			zap.String("header", c.Get(sourceHeader)))
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: sourceHeader + " must match the webhook path"})
	}

	ctx := c.UserContext()
	if h.secrets != nil {
		if secret := h.secrets.WebhookSecret(ctx, source); secret != "" {
			signature := c.Get(signatureHeader)
			if signature == "" || !validateSignature(secret, signature, c.Body()) {
				h.logger.Warn("webhook.invalid_signature", zap.String("source", string(source)))
				return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "invalid signature"})
			}
		}
	}

	var ev model.ServiceEvent
	if err := json.Unmarshal(c.Body(), &ev); err != nil {
		h.logger.Warn("webhook.parse_error", zap.String("source", string(source)), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid payload"})
	}
	if ev.Source == "" {
		ev.Source = source
	}
	if ev.Source != source {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "event source does not match " + sourceHeader})
	}

	if err := ev.Validate(); err != nil {
		h.logger.Warn("webhook.invalid_event", zap.String("source", string(source)), zap.Error(err))
		return writeError(c, err)
	}

	h.logger.Info("webhook.received",
		zap.String("source", string(source)),
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)))

	if err := h.events.HandleServiceEvent(ctx, ev); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(EventAcceptedResponse{Accepted: true, EventID: ev.EventID})
}

// parsePlatform accepts the full platform id or its short name.
func parsePlatform(s string) (model.Platform, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range model.AllPlatforms() {
		if s == string(p) || s == p.Short() {
			return p, true
		}
	}
	return "", false
}

func validateSignature(secret, signature string, body []byte) bool {
	normalized := strings.TrimSpace(signature)
	if strings.HasPrefix(strings.ToLower(normalized), "sha256=") {
		normalized = normalized[7:]
	}
	expected, err := hex.DecodeString(normalized)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
