package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/nkkko/skypush/internal/domain"
)

const fcmBatchLimit = 500

// fcmSender is the part of the Firebase messaging client the provider uses
type fcmSender interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// FCMConfig configures the Firebase Cloud Messaging provider
type FCMConfig struct {
	// CredentialsFile is a service account JSON file
	CredentialsFile string
}

// FCMProvider sends through Firebase Cloud Messaging
type FCMProvider struct {
	client   fcmSender
	classify func(error) Status
}

// NewFCMProvider initializes a Firebase app and its messaging client
func NewFCMProvider(ctx context.Context, config FCMConfig) (*FCMProvider, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(config.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return &FCMProvider{client: msgClient, classify: classifyFCMError}, nil
}

// Name implements Provider
func (p *FCMProvider) Name() string { return "fcm" }

// MaxBatchSize implements Provider
func (p *FCMProvider) MaxBatchSize() int { return fcmBatchLimit }

// SendBatch implements Provider
func (p *FCMProvider) SendBatch(ctx context.Context, msgs []domain.NotificationMessage) ([]Result, error) {
	batch := make([]*messaging.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = &messaging.Message{
			Token: m.Token,
			Notification: &messaging.Notification{
				Title: m.Title,
				Body:  m.Body,
			},
			Data: m.Data,
			Android: &messaging.AndroidConfig{
				Priority:    "high",
				CollapseKey: string(m.Reason),
			},
		}
	}

	resp, err := p.client.SendEach(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.classify(err) == StatusTransient {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("failed to send FCM batch: %w", err)
	}

	if len(resp.Responses) != len(msgs) {
		return nil, fmt.Errorf("%w: sent %d, got %d responses", ErrResultMismatch, len(msgs), len(resp.Responses))
	}

	results := make([]Result, len(msgs))
	for i, sendResp := range resp.Responses {
		if sendResp.Success && sendResp.Error == nil {
			results[i] = Result{Status: StatusSuccess}
			continue
		}
		results[i] = Result{Status: p.classify(sendResp.Error), Err: sendResp.Error}
	}
	return results, nil
}

func classifyFCMError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case messaging.IsUnregistered(err), messaging.IsInvalidArgument(err):
		return StatusPermanent
	case messaging.IsUnavailable(err), messaging.IsInternal(err), messaging.IsQuotaExceeded(err):
		return StatusTransient
	default:
		return StatusFailed
	}
}
