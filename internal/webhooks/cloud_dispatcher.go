package webhooks

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/ids"
)

// CloudDispatcher hands webhook deliveries to Google Cloud Tasks: the queue
// owns the retry schedule and dead-lettering, so a gateway restart cannot
// drop an in-flight notification. When enqueue fails the in-process
// dispatcher takes over.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the queue at
// projects/{project}/locations/{location}/queues/{queue}.
func NewCloudDispatcher(registry *Registry, fallback *Dispatcher, projectID, locationID, queueID string) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		fallback:  fallback,
	}
	cd.logger.Printf("connected to queue %s", cd.queuePath)
	return cd, nil
}

// Enqueue creates one HTTP task per matching endpoint, signed the same way
// the in-process dispatcher signs.
func (cd *CloudDispatcher) Enqueue(ctx context.Context, e *events.Event) error {
	payload, err := e.JSON()
	if err != nil {
		return fmt.Errorf("webhooks: marshal event: %w", err)
	}

	for _, ep := range cd.registry.Matching(e.MerchantID, e.Type) {
		deliveryID := ids.Delivery()
		req := &taskspb.CreateTaskRequest{
			Parent: cd.queuePath,
			Task: &taskspb.Task{
				MessageType: &taskspb.Task_HttpRequest{
					HttpRequest: &taskspb.HttpRequest{
						HttpMethod: taskspb.HttpMethod_POST,
						Url:        ep.URL,
						Headers: map[string]string{
							"Content-Type":          "application/json",
							"X-Webhook-Event-Type":  string(e.Type),
							"X-Webhook-Delivery-Id": deliveryID,
							"X-Webhook-Attempt":     "1",
							"X-Webhook-Signature":   SignPayload(payload, ep.Secret),
						},
						Body: payload,
					},
				},
			},
		}

		if _, err := cd.client.CreateTask(ctx, req); err != nil {
			cd.logger.Printf("enqueue failed for %s -> %s: %v", e.ID, ep.URL, err)
			if cd.fallback != nil {
				return cd.fallback.Enqueue(ctx, e)
			}
			return fmt.Errorf("webhooks: cloud tasks enqueue: %w", err)
		}
	}
	return nil
}

// Close shuts the Cloud Tasks client down.
func (cd *CloudDispatcher) Close() error {
	return cd.client.Close()
}
