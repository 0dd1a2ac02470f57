package worker

// alert_worker.go
// Mails reconciliation alerts (orphaned or late confirmations) to the back office.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

type AlertPayload struct {
	SettlementID  string `json:"settlement_id,omitempty"`
	ExceptionKind string `json:"exception_kind,omitempty"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
}

type alertSender interface {
	Enabled() bool
	SendAlert(subject, body string) error
}

type AlertWorker struct {
	mailer alertSender
}

func NewAlertWorker(mailer alertSender) *AlertWorker {
	return &AlertWorker{mailer: mailer}
}

// Process implements JobHandler.
func (w *AlertWorker) Process(_ context.Context, raw json.RawMessage) error {
	var payload AlertPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("alert_worker: invalid payload: %w", err)
	}
	if !w.mailer.Enabled() {
		log.Warn().Str("subject", payload.Subject).Msg("alert_worker: mailer not configured, alert logged only")
		return nil
	}
	if err := w.mailer.SendAlert(payload.Subject, payload.Body); err != nil {
		return fmt.Errorf("alert_worker: send: %w", err)
	}
	log.Info().Str("settlement_id", payload.SettlementID).Str("subject", payload.Subject).Msg("alert_worker: alert sent")
	return nil
}
