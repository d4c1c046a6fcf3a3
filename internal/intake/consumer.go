package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// ObjectCreatedEvent is the storage notification payload delivered on the
// object-created subscription.
type ObjectCreatedEvent struct {
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	MimeType  string `json:"mimeType"`
}

var mimeTypes = map[string]string{
	"application/json": "json",
	"text/csv":         "csv",
	"application/csv":  "csv",
	"application/zip":  "zip",
}

// FileType resolves the handler key for the event, preferring the MIME type
// and falling back to the object path extension.
func (ev ObjectCreatedEvent) FileType() string {
	if t, ok := mimeTypes[ev.MimeType]; ok {
		return t
	}
	return strings.TrimPrefix(path.Ext(ev.Path), ".")
}

// ContentRef returns the gs:// URI for the created object.
func (ev ObjectCreatedEvent) ContentRef() string {
	return objectRef(ev.Bucket, ev.Path)
}

// Consumer feeds object-created events from a Pub/Sub subscription into the
// intake service.
type Consumer struct {
	sub    *pubsub.Subscription
	svc    *Service
	logger *zap.Logger
}

// NewConsumer constructs a Consumer over the given subscription.
func NewConsumer(sub *pubsub.Subscription, svc *Service, logger *zap.Logger) *Consumer {
	return &Consumer{sub: sub, svc: svc, logger: logger.Named("intake-consumer")}
}

// Run receives until ctx is canceled. Malformed payloads, oversize files and
// duplicates are acked so they are not redelivered; transient submit errors
// are nacked for retry.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var ev ObjectCreatedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("dropping malformed event", zap.Error(err))
			msg.Ack()
			return
		}

		result, err := c.svc.Submit(ctx, SubmitRequest{
			FileName:   path.Base(ev.Path),
			FileType:   ev.FileType(),
			SizeBytes:  ev.SizeBytes,
			ContentRef: ev.ContentRef(),
			SourceKind: pipeline.IntakeSourceTrigger,
		})
		switch {
		case err == nil:
			msg.Ack()
		case errors.Is(err, pipeline.ErrSizeLimitExceeded):
			// Recorded in the failure sink; redelivery would change nothing.
			msg.Ack()
		default:
			c.logger.Warn("submit failed, nacking for redelivery",
				zap.String("object", ev.ContentRef()),
				zap.Error(err))
			msg.Nack()
			return
		}
		c.logger.Debug("event handled",
			zap.String("object", ev.ContentRef()),
			zap.String("outcome", string(result.Outcome)))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receiving object-created events: %w", err)
	}
	return nil
}
