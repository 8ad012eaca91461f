package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"callguard-server/pkg/config"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/risk"
)

// ScamAlert is published when a session's risk assessment crosses the alert
// threshold. Consumers decide how to warn the protected user.
type ScamAlert struct {
	SessionID   string    `json:"session_id"`
	Score       int       `json:"score"`
	Evidence    []string  `json:"evidence"`
	Source      string    `json:"source"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// CallSummary is published when a session closes.
type CallSummary struct {
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	TurnCount  int       `json:"turn_count"`
	FinalScore int       `json:"final_score"`
	Alerted    bool      `json:"alerted"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher publishes scam alerts and call summaries to AMQP queues.
// When no broker URL is configured the publisher is disabled and every
// publish becomes a no-op; call protection never depends on the broker.
type Publisher struct {
	logger *logrus.Logger
	config config.MessagingConfig

	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewPublisher creates an AMQP publisher. Connect must be called before use.
func NewPublisher(logger *logrus.Logger, cfg config.MessagingConfig) *Publisher {
	return &Publisher{
		logger:   logger,
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether a broker URL is configured.
func (p *Publisher) Enabled() bool {
	return p.config.AMQPUrl != ""
}

// Connect establishes the broker connection and declares both queues. The
// dial is bounded so a dead broker cannot stall startup.
func (p *Publisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if !p.Enabled() {
		p.logger.Warn("AMQP_URL not set, alert and summary publishing disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)

	go func() {
		conn, err := amqp.Dial(p.config.AMQPUrl)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		return fmt.Errorf("connection to AMQP server timed out after 5 seconds")
	}
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	for _, queue := range []string{p.config.AlertQueue, p.config.SummaryQueue} {
		_, err = channel.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	p.logger.WithFields(logrus.Fields{
		"alert_queue":   p.config.AlertQueue,
		"summary_queue": p.config.SummaryQueue,
	}).Info("Connected to AMQP server")

	go p.monitorConnection()
	return nil
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}

	close(p.stopChan)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}

	p.connected = false
	metrics.SetAMQPConnectionStatus(false)
	p.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status.
func (p *Publisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// PublishAlert publishes a scam alert for the given session assessment.
func (p *Publisher) PublishAlert(sessionID string, assessment risk.Assessment) error {
	alert := ScamAlert{
		SessionID:   sessionID,
		Score:       assessment.Score,
		Evidence:    assessment.Evidence,
		Source:      assessment.Source,
		EvaluatedAt: assessment.EvaluatedAt,
	}
	return p.publish(p.config.AlertQueue, sessionID, alert)
}

// PublishSummary publishes an end-of-call summary.
func (p *Publisher) PublishSummary(summary CallSummary) error {
	if summary.Timestamp.IsZero() {
		summary.Timestamp = time.Now()
	}
	return p.publish(p.config.SummaryQueue, summary.SessionID, summary)
}

func (p *Publisher) publish(queue, sessionID string, message interface{}) error {
	if !p.Enabled() {
		return nil
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal AMQP message: %w", err)
	}

	p.connMutex.RLock()
	channel := p.channel
	connected := p.connected
	p.connMutex.RUnlock()

	if !connected || channel == nil {
		metrics.RecordAMQPPublish(queue, "dropped")
		return fmt.Errorf("not connected to AMQP server")
	}

	err = channel.Publish(
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		metrics.RecordAMQPPublish(queue, "error")
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	metrics.RecordAMQPPublish(queue, "success")
	p.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"queue":      queue,
	}).Debug("Published AMQP message")
	return nil
}

// monitorConnection watches for broker disconnects and reconnects with
// exponential backoff.
func (p *Publisher) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	p.connMutex.RLock()
	if p.conn != nil {
		p.conn.NotifyClose(closeChan)
	}
	p.connMutex.RUnlock()

	for {
		select {
		case <-p.stopChan:
			return
		case closeErr := <-closeChan:
			p.connMutex.Lock()
			p.connected = false
			p.connMutex.Unlock()
			metrics.SetAMQPConnectionStatus(false)

			p.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

			for attempt := 1; attempt <= 10; attempt++ {
				if err := p.Connect(); err == nil {
					p.logger.Info("Successfully reconnected to AMQP server")
					return
				} else {
					p.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")
				}

				backoff := time.Duration(1<<uint(attempt-1)) * time.Second
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				time.Sleep(backoff)
			}
			return
		}
	}
}
