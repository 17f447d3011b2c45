package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siva9177/codeblue/pkg/models"
)

// LogTransport is a development transport that writes would-be deliveries to
// the log. Production deployments replace it with provider-backed transports
// (APNs/FCM, SMS gateway, SMTP).
type LogTransport struct {
	channel models.Channel
	logger  *zap.Logger
}

// NewLogTransport creates a logging transport for one channel
func NewLogTransport(channel models.Channel, logger *zap.Logger) *LogTransport {
	return &LogTransport{channel: channel, logger: logger}
}

// Send logs the notification instead of delivering it
func (t *LogTransport) Send(_ context.Context, recipientID uuid.UUID, payload Payload) error {
	t.logger.Info("Delivering notification",
		zap.String("channel", string(t.channel)),
		zap.String("recipient_id", recipientID.String()),
		zap.String("alert_id", payload.AlertID.String()),
		zap.String("category", string(payload.Category)),
		zap.Int("urgency", payload.Urgency),
		zap.String("location", payload.Location),
		zap.Int("tier", payload.Tier))
	return nil
}

// DefaultTransports returns logging transports for every channel
func DefaultTransports(logger *zap.Logger) map[models.Channel]Transport {
	return map[models.Channel]Transport{
		models.ChannelPush:  NewLogTransport(models.ChannelPush, logger),
		models.ChannelSMS:   NewLogTransport(models.ChannelSMS, logger),
		models.ChannelEmail: NewLogTransport(models.ChannelEmail, logger),
		models.ChannelInApp: NewLogTransport(models.ChannelInApp, logger),
	}
}
