package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	VoiceAgent VoiceAgentConfig `json:"voice_agent"`
	Classifier ClassifierConfig `json:"classifier"`
	Risk       RiskConfig       `json:"risk"`
	Audio      AudioConfig      `json:"audio"`
	Messaging  MessagingConfig  `json:"messaging"`
	Logging    LoggingConfig    `json:"logging"`
}

// HTTPConfig holds the caller-facing HTTP server configuration
type HTTPConfig struct {
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
}

// VoiceAgentConfig holds the upstream conversational voice agent configuration
type VoiceAgentConfig struct {
	// BaseURL is the HTTP endpoint used for the signed URL exchange
	BaseURL string `json:"base_url"`
	// AgentID identifies the conversational agent to connect to
	AgentID string `json:"agent_id"`
	// APIKey authenticates the signed URL request
	APIKey string `json:"-"`
	// HandshakeTimeout bounds the signed URL exchange and websocket dial
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	// WriteTimeout bounds individual frame writes to the peer
	WriteTimeout time.Duration `json:"write_timeout"`
}

// ClassifierConfig holds the Tier 2 risk classification peer configuration
type ClassifierConfig struct {
	// URL is the classification endpoint; empty disables Tier 2 entirely
	URL     string        `json:"url"`
	APIKey  string        `json:"-"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`

	// Circuit breaker settings protecting the classifier peer
	BreakerFailureThreshold int           `json:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `json:"breaker_cooldown"`
}

// RiskConfig holds the deterministic scoring policy configuration
type RiskConfig struct {
	// Indicators overrides the built-in indicator phrase list when non-empty
	Indicators []string `json:"indicators"`
	// EscalationThreshold is the Tier 1 match count that short-circuits scoring
	EscalationThreshold int `json:"escalation_threshold"`
	// ScorePerMatch is the Tier 1 per-indicator score increment
	ScorePerMatch int `json:"score_per_match"`
	// ScoreCapTier1 caps the Tier 1 base score
	ScoreCapTier1 int `json:"score_cap_tier1"`
	// ShortCircuitBonus is added to the base score on short-circuit
	ShortCircuitBonus int `json:"short_circuit_bonus"`
	// ScoreCapShortCircuit caps the short-circuited score
	ScoreCapShortCircuit int `json:"score_cap_short_circuit"`
	// ScoreCapFinal caps the combined Tier 1 + Tier 2 score
	ScoreCapFinal int `json:"score_cap_final"`
	// MaxEvidence caps the evidence list on any assessment
	MaxEvidence int `json:"max_evidence"`
	// ScoringEveryNTurns evaluates once per N new transcript turns
	ScoringEveryNTurns int `json:"scoring_every_n_turns"`
}

// AudioConfig holds per-session audio buffering limits
type AudioConfig struct {
	// MaxChunksPerDirection bounds each direction's buffer; oldest chunks drop first
	MaxChunksPerDirection int `json:"max_chunks_per_direction"`
	// MaxSessionDuration bounds how long a session may accumulate audio
	MaxSessionDuration time.Duration `json:"max_session_duration"`
	// RecordingDir receives merged WAV artifacts; empty disables artifact writing
	RecordingDir string `json:"recording_dir"`
	// SampleRate of the relayed PCM audio, used for WAV artifacts
	SampleRate int `json:"sample_rate"`
}

// MessagingConfig holds AMQP alert publishing configuration
type MessagingConfig struct {
	// AMQPUrl is the broker URL; empty disables publishing
	AMQPUrl string `json:"-"`
	// AlertQueue receives scam alert messages
	AlertQueue string `json:"alert_queue"`
	// SummaryQueue receives end-of-call summaries
	SummaryQueue string `json:"summary_queue"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  logrus.Level `json:"level"`
	Format string       `json:"format"`
}

// Load loads the application configuration from environment variables
func Load(logger *logrus.Logger) (*Config, error) {
	// A missing .env file is fine; the environment may be set externally
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Debug("No .env file loaded")
	}

	cfg := &Config{}

	cfg.HTTP = HTTPConfig{
		Port:          getEnvInt(logger, "HTTP_PORT", 8080),
		ReadTimeout:   getEnvDuration(logger, "HTTP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:  getEnvDuration(logger, "HTTP_WRITE_TIMEOUT", 10*time.Second),
		EnableMetrics: getEnvBool("HTTP_ENABLE_METRICS", true),
	}

	cfg.VoiceAgent = VoiceAgentConfig{
		BaseURL:          getEnvString(logger, "VOICE_AGENT_BASE_URL", "https://api.elevenlabs.io"),
		AgentID:          os.Getenv("VOICE_AGENT_ID"),
		APIKey:           os.Getenv("VOICE_AGENT_API_KEY"),
		HandshakeTimeout: getEnvDuration(logger, "VOICE_AGENT_HANDSHAKE_TIMEOUT", 10*time.Second),
		WriteTimeout:     getEnvDuration(logger, "VOICE_AGENT_WRITE_TIMEOUT", 5*time.Second),
	}

	cfg.Classifier = ClassifierConfig{
		URL:                     os.Getenv("CLASSIFIER_URL"),
		APIKey:                  os.Getenv("CLASSIFIER_API_KEY"),
		Model:                   getEnvString(logger, "CLASSIFIER_MODEL", "gpt-4o-mini"),
		Timeout:                 getEnvDuration(logger, "CLASSIFIER_TIMEOUT", 8*time.Second),
		BreakerFailureThreshold: getEnvInt(logger, "CLASSIFIER_BREAKER_FAILURES", 5),
		BreakerCooldown:         getEnvDuration(logger, "CLASSIFIER_BREAKER_COOLDOWN", 30*time.Second),
	}

	cfg.Risk = RiskConfig{
		Indicators:           getEnvStringList("RISK_INDICATORS"),
		EscalationThreshold:  getEnvInt(logger, "RISK_ESCALATION_THRESHOLD", 3),
		ScorePerMatch:        getEnvInt(logger, "RISK_SCORE_PER_MATCH", 15),
		ScoreCapTier1:        getEnvInt(logger, "RISK_SCORE_CAP_TIER1", 85),
		ShortCircuitBonus:    getEnvInt(logger, "RISK_SHORT_CIRCUIT_BONUS", 10),
		ScoreCapShortCircuit: getEnvInt(logger, "RISK_SCORE_CAP_SHORT_CIRCUIT", 95),
		ScoreCapFinal:        getEnvInt(logger, "RISK_SCORE_CAP_FINAL", 100),
		MaxEvidence:          getEnvInt(logger, "RISK_MAX_EVIDENCE", 5),
		ScoringEveryNTurns:   getEnvInt(logger, "RISK_SCORING_EVERY_N_TURNS", 1),
	}

	cfg.Audio = AudioConfig{
		MaxChunksPerDirection: getEnvInt(logger, "AUDIO_MAX_CHUNKS_PER_DIRECTION", 10000),
		MaxSessionDuration:    getEnvDuration(logger, "AUDIO_MAX_SESSION_DURATION", 4*time.Hour),
		RecordingDir:          os.Getenv("RECORDING_DIR"),
		SampleRate:            getEnvInt(logger, "AUDIO_SAMPLE_RATE", 16000),
	}

	cfg.Messaging = MessagingConfig{
		AMQPUrl:      os.Getenv("AMQP_URL"),
		AlertQueue:   getEnvString(logger, "AMQP_ALERT_QUEUE", "callguard.alerts"),
		SummaryQueue: getEnvString(logger, "AMQP_SUMMARY_QUEUE", "callguard.summaries"),
	}

	levelStr := getEnvString(logger, "LOG_LEVEL", "info")
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		logger.WithField("log_level", levelStr).Warn("Invalid LOG_LEVEL, defaulting to info")
		level = logrus.InfoLevel
	}
	cfg.Logging = LoggingConfig{
		Level:  level,
		Format: getEnvString(logger, "LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}

	if c.Risk.EscalationThreshold < 1 {
		return fmt.Errorf("risk escalation threshold must be at least 1, got %d", c.Risk.EscalationThreshold)
	}

	if c.Risk.MaxEvidence < 1 {
		return fmt.Errorf("risk max evidence must be at least 1, got %d", c.Risk.MaxEvidence)
	}

	if c.Risk.ScoringEveryNTurns < 1 {
		return fmt.Errorf("scoring cadence must be at least 1 turn, got %d", c.Risk.ScoringEveryNTurns)
	}

	if c.Risk.ScoreCapTier1 > c.Risk.ScoreCapFinal {
		return fmt.Errorf("tier 1 score cap %d exceeds final score cap %d", c.Risk.ScoreCapTier1, c.Risk.ScoreCapFinal)
	}

	if c.Audio.MaxChunksPerDirection < 1 {
		return fmt.Errorf("audio buffer cap must be at least 1 chunk, got %d", c.Audio.MaxChunksPerDirection)
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid audio sample rate: %d", c.Audio.SampleRate)
	}

	if c.Classifier.URL != "" && c.Classifier.Timeout <= 0 {
		return fmt.Errorf("classifier timeout must be positive when classifier is configured")
	}

	return nil
}

func getEnvString(logger *logrus.Logger, key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		logger.WithFields(logrus.Fields{
			"key":     key,
			"default": defaultValue,
		}).Debug("Environment variable not set, using default")
		return defaultValue
	}
	return value
}

func getEnvInt(logger *logrus.Logger, key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"key":   key,
			"value": value,
		}).Warn("Invalid integer value, using default")
		return defaultValue
	}
	return parsed
}

func getEnvDuration(logger *logrus.Logger, key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"key":   key,
			"value": value,
		}).Warn("Invalid duration value, using default")
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1"
}

func getEnvStringList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}
