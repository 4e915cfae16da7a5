// Package alert publishes device-health notifications to an SNS topic.
// Alerting is optional: a nil *Notifier or an empty topic ARN disables it.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog/log"
)

type Notifier struct {
	svc      *sns.Client
	topicArn string
}

func NewNotifier(ctx context.Context, region, topicArn string) (*Notifier, error) {
	if topicArn == "" {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Notifier{svc: sns.NewFromConfig(cfg), topicArn: topicArn}, nil
}

func (n *Notifier) publish(ctx context.Context, subject, message string) {
	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	}
	if _, err := n.svc.Publish(ctx, input); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("sns publish failed")
	}
}

// DeviceDown reports a device that keeps failing to connect. Failures are
// never fatal to the caller.
func (n *Notifier) DeviceDown(ctx context.Context, deviceID, name string, failures int, lastErr error) {
	if n == nil {
		return
	}
	subject := fmt.Sprintf("homeflux: device %s unreachable", name)
	message := fmt.Sprintf(
		"Device: %s (%s)\nConsecutive failures: %d\nLast error: %v\nTime: %s\n",
		name, deviceID, failures, lastErr, time.Now().Format(time.RFC3339),
	)
	n.publish(ctx, subject, message)
}
