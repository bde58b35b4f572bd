package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// NotificationMessage is the payload published to the notification topic for
// lifecycle events and schedule summaries. Data carries the serialized
// event/schedule document.
type NotificationMessage struct {
	Subject       string `json:"subject"`
	Content       string `json:"content"`
	Data          string `json:"data"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// GetPubSubClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var (
		c   *pubsub.Client
		err error
	)
	if credJSON != "" {
		c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
		c, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}

	pubsubClientMu.Lock()
	if pubsubClient == nil {
		pubsubClient = c
	} else {
		// Another goroutine won the race; close ours.
		_ = c.Close()
	}
	c2 := pubsubClient
	pubsubClientMu.Unlock()

	log.Printf("pubsub client ready (project_id=%s)", projectID)
	return c2, nil
}

func CreateTopicIfNotExists(c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	ctx := context.Background()
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// EnsureNotificationTopic creates the notification topic when it does not
// exist yet. Called best-effort from main(); publishing does not depend on it
// when the topic was provisioned out of band.
func EnsureNotificationTopic(ctx context.Context) error {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	topicName := os.Getenv("PUBSUB_NOTIFICATION_TOPIC")
	if topicName == "" {
		topicName = "notification"
	}
	_, err = CreateTopicIfNotExists(client, topicName)
	return err
}

// PublishNotification publishes to the notification topic and returns the
// server-assigned message ID. Topic name comes from PUBSUB_NOTIFICATION_TOPIC
// (default "notification").
func PublishNotification(ctx context.Context, msg NotificationMessage) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	topicName := os.Getenv("PUBSUB_NOTIFICATION_TOPIC")
	if topicName == "" {
		topicName = "notification"
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result := client.Topic(topicName).Publish(publishCtx, &pubsub.Message{
		Data: msgJSON,
	})
	return result.Get(publishCtx)
}
