package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// WakeSender delivers incoming-call wake-up pushes over Firebase Cloud
// Messaging so a backgrounded mobile client is running before the remote
// call arrives. Wake-ups are data-only messages with a short TTL: a push
// that arrives after the call is pointless.
type WakeSender struct {
	client *messaging.Client
	logger *slog.Logger
}

// NewWakeSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. An empty credentialsFile falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewWakeSender(ctx context.Context, credentialsFile string, logger *slog.Logger) (*WakeSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	l := logger.With("subsystem", "push")
	l.Info("wake sender initialised")
	return &WakeSender{client: client, logger: l}, nil
}

// Wake delivers one wake-up push to an FCM registration token.
func (w *WakeSender) Wake(ctx context.Context, pushToken, callerID, callID string) error {
	ttl := 30 * time.Second
	msg := &messaging.Message{
		Token: pushToken,
		Data: map[string]string{
			"type":      "incoming_call",
			"call_id":   callID,
			"caller_id": callerID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := w.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("push: token no longer valid: %w", err)
		}
		return fmt.Errorf("push: send failed: %w", err)
	}

	w.logger.Debug("wake-up push sent", "message_id", id, "call_id", callID)
	return nil
}
