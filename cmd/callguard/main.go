package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/config"
	http_server "callguard-server/pkg/http"
	"callguard-server/pkg/messaging"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/relay"
	"callguard-server/pkg/risk"
	"callguard-server/pkg/session"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.SetLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	metrics.Init(logger)

	// AMQP is optional; the service protects calls without a broker
	publisher := messaging.NewPublisher(logger, cfg.Messaging)
	if publisher.Enabled() {
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP connection failed, continuing without alert publishing")
		}
	}

	var classifier risk.Classifier
	if cfg.Classifier.URL != "" {
		classifier = risk.NewHTTPClassifier(logger, &cfg.Classifier)
		logger.Info("Tier 2 risk classification enabled")
	} else {
		logger.Info("CLASSIFIER_URL not set, risk scoring is Tier 1 only")
	}
	scorer := risk.NewScorer(logger, &cfg.Risk, classifier)

	manager := session.NewManager(logger, &session.ManagerConfig{
		Audio:              cfg.Audio,
		ScoringEveryNTurns: cfg.Risk.ScoringEveryNTurns,
	}, scorer)

	signedURLs := relay.NewSignedURLClient(logger, &cfg.VoiceAgent)
	callHandler := http_server.NewCallHandler(logger, &cfg.VoiceAgent, manager, signedURLs, publisher)

	server := http_server.NewServer(logger, &cfg.HTTP, manager, publisher, callHandler)
	server.Start()

	logger.WithFields(logrus.Fields{
		"port":     cfg.HTTP.Port,
		"agent_id": cfg.VoiceAgent.AgentID,
	}).Info("CallGuard started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}

	// Closing the manager drains every active session and flushes recordings
	manager.Shutdown()

	if publisher.Enabled() {
		publisher.Disconnect()
	}

	logger.Info("CallGuard shut down cleanly")
}
