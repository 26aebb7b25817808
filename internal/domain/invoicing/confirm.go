package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/platform/events"
)

// ConfirmationHandler feeds gateway confirmations published on the Redis
// confirmation channel into ConfirmPayment. Conflicting outcomes are logged
// and dropped; redelivering them cannot succeed.
func ConfirmationHandler(svc *Service, logger zerolog.Logger) events.MessageHandler {
	return func(ctx context.Context, payload []byte) error {
		var c Confirmation
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("decode payment confirmation: %w", err)
		}
		_, inv, err := svc.ConfirmPayment(ctx, c)
		switch {
		case err == nil:
			logger.Debug().
				Str("payment_id", c.PaymentID.String()).
				Str("invoice_status", string(inv.Status)).
				Msg("payment confirmation applied")
			return nil
		case errors.Is(err, ErrPaymentSettled), errors.Is(err, ErrPaymentNotFound):
			logger.Warn().Err(err).Str("payment_id", c.PaymentID.String()).Msg("payment confirmation dropped")
			return nil
		default:
			return fmt.Errorf("confirm payment %s: %w", c.PaymentID, err)
		}
	}
}
