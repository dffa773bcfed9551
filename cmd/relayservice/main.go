// Main entrypoint for the relay service. Handles config loading, dependency
// injection, and starting the application.
package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/relayworks/go-relay-service/internal/app"
	"github.com/relayworks/go-relay-service/internal/middleware"
	"github.com/relayworks/go-relay-service/internal/platform/credentials"
	"github.com/relayworks/go-relay-service/internal/platform/ingest"
	pushplatform "github.com/relayworks/go-relay-service/internal/platform/push"
	redisqueue "github.com/relayworks/go-relay-service/internal/platform/queue"
	"github.com/relayworks/go-relay-service/internal/push"
	"github.com/relayworks/go-relay-service/internal/queue"
	"github.com/relayworks/go-relay-service/internal/realtime"
	"github.com/relayworks/go-relay-service/internal/router"
	"github.com/relayworks/go-relay-service/pkg/relay"
	"github.com/relayworks/go-relay-service/relayservice"
	"github.com/relayworks/go-relay-service/relayservice/config"
)

//go:embed config.yaml
var configFile []byte

func main() {
	logger := newLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	ctx := context.Background()

	deps, dispatcher, cleanup, err := newProdDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize dependencies")
		os.Exit(1)
	}
	defer cleanup()

	httpAuth, err := middleware.NewJWKSAuthMiddleware(ctx, jwksURL(cfg.IdentityServiceURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize HTTP authentication middleware")
		os.Exit(1)
	}
	wsAuth, err := middleware.NewJWKSWebsocketAuthMiddleware(ctx, jwksURL(cfg.IdentityServiceURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize WebSocket authentication middleware")
		os.Exit(1)
	}

	hub := realtime.NewHub(logger)
	rtr := router.New(deps.Queue, hub, dispatcher, logger)

	apiService, err := relayservice.New(cfg, deps, rtr, dispatcher, httpAuth, logger.With().Str("component", "ApiService").Logger())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create API service")
		os.Exit(1)
	}

	connManager, err := realtime.NewConnectionManager(
		":"+cfg.WebSocketPort,
		wsAuth,
		hub,
		rtr,
		cfg.Cors.AllowedOrigins,
		logger.With().Str("component", "ConnManager").Logger(),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create Connection Manager")
		os.Exit(1)
	}

	app.Run(ctx, logger, apiService, connManager)
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "go-relay-service").
		Logger()
}

func loadConfig(logger zerolog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}

func jwksURL(identityServiceURL string) string {
	return strings.TrimSuffix(identityServiceURL, "/") + "/.well-known/jwks.json"
}

// newProdDependencies creates real, production-ready dependencies. The
// returned cleanup closes the underlying clients.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*relay.ServiceDependencies, *push.Dispatcher, func(), error) {
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		_ = psClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	cleanup := func() {
		_ = psClient.Close()
		_ = fsClient.Close()
	}

	if err := ensureTopics(ctx, cfg, psClient, logger); err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	if err := ensureSubscription(ctx, cfg, psClient, logger); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	recipientQueue, err := newRecipientQueue(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	directory, err := credentials.NewFirestoreDirectory(fsClient, cfg.CredentialsCollection, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	producer, err := ingest.NewProducer(psClient.Publisher(topicName(cfg.ProjectID, cfg.IngressTopicID)))
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	consumer, err := ingest.NewConsumer(psClient.Subscriber(subscriptionName(cfg.ProjectID, cfg.IngressSubscriptionID)), 100, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	var sender relay.PushSender
	if cfg.PushTopicID != "" {
		pubsubSender, err := pushplatform.NewPubSubSender(psClient.Publisher(topicName(cfg.ProjectID, cfg.PushTopicID)), logger)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		sender = pubsubSender
	} else {
		logger.Warn().Msg("Push topic not configured. Push dispatch runs as a no-op.")
	}

	dispatcher, err := push.NewDispatcher(directory, sender, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	logger.Debug().Msg("All production dependencies initialized")

	return &relay.ServiceDependencies{
		Ingestor:       producer,
		IngestConsumer: consumer,
		Queue:          recipientQueue,
		Credentials:    directory,
		PushSender:     sender,
	}, dispatcher, cleanup, nil
}

// newRecipientQueue creates the pluggable queue backend based on config.
func newRecipientQueue(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (relay.RecipientQueue, error) {
	logger.Info().Str("type", cfg.Queue.Type).Msg("Initializing recipient queue...")

	switch cfg.Queue.Type {
	case config.QueueTypeMemory:
		return queue.NewMemoryQueue(logger), nil

	case config.QueueTypeRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Queue.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Queue.Redis.Addr).Msg("Connected to Redis queue")
		return redisqueue.NewRedisQueue(rdb, logger)

	default:
		return nil, fmt.Errorf("invalid queue type: %s", cfg.Queue.Type)
	}
}

func topicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

func subscriptionName(projectID, subID string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
}

// ensureTopics creates the Pub/Sub topics if they don't already exist.
func ensureTopics(ctx context.Context, cfg *config.AppConfig, psClient *pubsub.Client, logger zerolog.Logger) error {
	topicIDs := []string{cfg.IngressTopicID, cfg.IngressTopicDLQID}
	if cfg.PushTopicID != "" {
		topicIDs = append(topicIDs, cfg.PushTopicID)
	}
	for _, topicID := range topicIDs {
		name := topicName(cfg.ProjectID, topicID)
		logger.Debug().Str("topic", name).Msg("Ensuring topic exists")
		_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
		if err != nil {
			if status.Code(err) == codes.AlreadyExists {
				logger.Debug().Str("topic", name).Msg("Topic already exists, skipping creation")
				continue
			}
			return fmt.Errorf("could not create topic %s: %w", name, err)
		}
	}
	return nil
}

// ensureSubscription creates the ingress subscription with its dead-letter
// policy if it doesn't already exist.
func ensureSubscription(ctx context.Context, cfg *config.AppConfig, psClient *pubsub.Client, logger zerolog.Logger) error {
	subConfig := &pubsubpb.Subscription{
		Name:               subscriptionName(cfg.ProjectID, cfg.IngressSubscriptionID),
		Topic:              topicName(cfg.ProjectID, cfg.IngressTopicID),
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     topicName(cfg.ProjectID, cfg.IngressTopicDLQID),
			MaxDeliveryAttempts: 5,
		},
	}
	logger.Debug().Str("sub", subConfig.Name).Msg("Ensuring subscription exists")
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug().Str("sub", subConfig.Name).Msg("Subscription already exists, skipping creation")
			return nil
		}
		return fmt.Errorf("could not create subscription %s: %w", subConfig.Name, err)
	}
	return nil
}
