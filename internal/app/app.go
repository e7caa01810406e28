package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/abcretail/fulfillment/internal/dal/postgres"
	"github.com/abcretail/fulfillment/internal/dal/redis"
	dedupstore "github.com/abcretail/fulfillment/internal/dal/repositories/dedup/redis"
	orderrepo "github.com/abcretail/fulfillment/internal/dal/repositories/order/postgres"
	productrepo "github.com/abcretail/fulfillment/internal/dal/repositories/product/postgres"
	"github.com/abcretail/fulfillment/internal/otel"
	"github.com/abcretail/fulfillment/internal/rabbitmq"
	"github.com/abcretail/fulfillment/internal/service/services/reconcilersvc"
	"github.com/abcretail/fulfillment/internal/transport/publisher"
	purchaseworker "github.com/abcretail/fulfillment/internal/worker/purchase"
)

// App represents the application.
type App struct {
	reconcilerSvc  *reconcilersvc.ReconcilerService
	purchaseWorker *purchaseworker.Worker
	rabbitMqClient *rabbitmq.Client
	postgresClient *postgres.Client
	redisClient    *redis.Client
	otelController *otel.OtelController
}

// MustNewApp creates a new application.
func MustNewApp() *App {
	otelController := otel.MustInitOtel()
	rabbitMqClient := rabbitmq.MustNewClient()
	postgresClient := postgres.MustNewClient()
	redisClient := redis.MustNewClient()

	purchaseQueue := viper.GetString("rabbitmq.purchase_queue")
	if purchaseQueue == "" {
		purchaseQueue = "purchase-queue"
	}

	// The notification and dead-letter queues are declared up front so
	// default-exchange publishes never route into the void.
	mustDeclareQueue(rabbitMqClient, viperStringOr("rabbitmq.inventory_queue", "inventory-queue"))
	mustDeclareQueue(rabbitMqClient, viperStringOr("rabbitmq.dead_letter_queue", "purchase-dlq"))

	purchaseConsumer, err := rabbitmq.NewConsumer(rabbitMqClient, purchaseQueue)
	if err != nil {
		panic(err)
	}

	queuePublisher := rabbitmq.NewPublisher(rabbitMqClient)

	productRepository := productrepo.NewProductRepository(postgresClient)
	orderRepository := orderrepo.NewOrderRepository(postgresClient)

	dedupRetention := viper.GetDuration("redis.dedup_retention")
	if dedupRetention == 0 {
		dedupRetention = 7 * 24 * time.Hour
	}
	dedupStore := dedupstore.NewDedupStore(redisClient, dedupRetention)

	reconcilerSvc := reconcilersvc.MustNewReconcilerService(
		reconcilersvc.WithProductRepository(productRepository),
		reconcilersvc.WithOrderRepository(orderRepository),
		reconcilersvc.WithDedupStore(dedupStore),
		reconcilersvc.WithMaxAttempts(viper.GetInt("reconciler.max_attempts")),
		reconcilersvc.WithRetryBackoff(viper.GetDuration("reconciler.retry_backoff")),
	)

	notificationPublisher := publisher.NewNotificationPublisher(queuePublisher)

	purchaseWorker := purchaseworker.NewWorker(
		purchaseConsumer,
		queuePublisher,
		reconcilerSvc,
		notificationPublisher,
	)

	return &App{
		reconcilerSvc:  reconcilerSvc,
		purchaseWorker: purchaseWorker,
		rabbitMqClient: rabbitMqClient,
		postgresClient: postgresClient,
		redisClient:    redisClient,
		otelController: otelController,
	}
}

// Run starts the application.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run() {
	// Create a channel to receive OS signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		slog.Info("Starting purchase worker")
		a.purchaseWorker.Start(ctx)
		close(workerDone)
	}()

	<-stop
	slog.Info("Shutdown signal received")
	cancel()

	a.gracefulShutdown(workerDone)
}

// gracefulShutdown performs graceful shutdown of all application components.
// It shuts down components sequentially: purchase worker, RabbitMQ, Redis,
// PostgreSQL, and OpenTelemetry.
func (a *App) gracefulShutdown(workerDone <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The broker and storage clients stay open until the worker has settled
	// its in-flight batch; closing them earlier would fail the pending acks.
	a.purchaseWorker.Stop()
	select {
	case <-workerDone:
		slog.Info("Purchase worker stopped gracefully")
	case <-ctx.Done():
		slog.Warn("Purchase worker did not drain before the shutdown timeout")
	}

	if err := a.rabbitMqClient.Close(); err != nil {
		slog.Error("RabbitMQ connection close error", "error", err)
	} else {
		slog.Info("RabbitMQ connection closed gracefully")
	}

	if err := a.redisClient.Close(); err != nil {
		slog.Error("Redis connection close error", "error", err)
	} else {
		slog.Info("Redis connection closed gracefully")
	}

	a.postgresClient.Close()

	if err := a.otelController.Shutdown(); err != nil {
		slog.Error("Otel trace provider connection close error", "error", err)
	} else {
		slog.Info("Otel trace provider connection closed gracefully")
	}

	select {
	case <-ctx.Done():
		slog.Warn("Shutdown timeout exceeded")
	default:
		slog.Info("Application shutdown complete")
	}
}

func mustDeclareQueue(client *rabbitmq.Client, name string) {
	_, err := client.DeclareQueue(rabbitmq.DeclareQueueConfig{
		Name:    name,
		Durable: true,
	})
	if err != nil {
		panic(err)
	}
}

func viperStringOr(key, fallback string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}

	return fallback
}
