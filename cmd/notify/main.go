package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/kursadbilgin/delivery-notifier/internal/queue"
	"go.uber.org/zap"
)

// notify publishes one intake request to the notifier's RabbitMQ queue.
//
//	notify -message "Truck 12 is 10 minutes away" -to 4165550101,4165550102
func main() {
	_ = godotenv.Load()

	var (
		message = flag.String("message", "", "message body to send")
		to      = flag.String("to", "", "comma separated recipient phone numbers")
		source  = flag.String("source", "", "originating system tag")
		url     = flag.String("amqp", os.Getenv("RABBITMQ_URL"), "RabbitMQ url")
		timeout = flag.Duration("timeout", 15*time.Second, "publish timeout")
	)
	flag.Parse()

	logger, err := observability.NewLogger("info", "console")
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if *url == "" {
		logger.Fatal("rabbitmq url is required, set -amqp or RABBITMQ_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	mq, err := queue.NewRabbitMQ(ctx, *url)
	if err != nil {
		logger.Fatal("rabbitmq connection failed", zap.Error(err))
	}
	publisher := queue.NewRabbitMQPublisher(mq)
	defer publisher.Close()

	msg := queue.IntakeMessage{
		Message:    *message,
		Recipients: splitRecipients(*to),
		Source:     *source,
	}
	if err := publisher.Publish(ctx, queue.IntakeQueue, msg); err != nil {
		logger.Fatal("publish failed", zap.Error(err))
	}

	logger.Info("intake request published",
		zap.String("queue", queue.IntakeQueue),
		zap.Int("recipients", len(msg.Recipients)),
	)
}

func splitRecipients(value string) []string {
	parts := strings.Split(value, ",")
	recipients := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	return recipients
}
