// Package notification delivers signal and system alerts to external
// channels (Telegram, webhooks) once the engine emits them. Delivery is
// at-most-once: the engine never retries a failed send.
package notification

import (
	"context"
	"fmt"
	"log"

	"phase-enginev1/internal/model"
	"phase-enginev1/internal/risk"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Symbol  string     `json:"symbol,omitempty"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// FromSignal formats a sized trading signal as an alert.
func FromSignal(sig model.Signal, size risk.SizeResult) Alert {
	title := fmt.Sprintf("%s %s", sig.Kind, sig.Symbol)
	msg := fmt.Sprintf("trigger %.2f", sig.TriggerPrice)
	if sig.Kind != model.Exit {
		msg = fmt.Sprintf("trigger %.2f, stop %.2f, qty %d (risk %.2f)",
			sig.TriggerPrice, sig.StopPrice, size.Quantity, size.RiskAmount)
	}
	if sig.Reason != "" {
		msg += ": " + sig.Reason
	}
	return Alert{Level: AlertInfo, Symbol: sig.Symbol, Title: title, Message: msg}
}

// StreamDown formats a fatal stream failure as a critical alert.
func StreamDown(err error) Alert {
	return Alert{
		Level:   AlertCritical,
		Title:   "live feed unavailable",
		Message: err.Error(),
	}
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}
