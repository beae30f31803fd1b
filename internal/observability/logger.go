package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithJob adds job_id context to logger.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("job_id", jobID).Logger(),
	}
}

// WithTransaction adds transaction_id context to logger.
func (l *Logger) WithTransaction(txID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("transaction_id", txID).Logger(),
	}
}

// WithPeer adds peer_name context to logger.
func (l *Logger) WithPeer(peerName string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer", peerName).Logger(),
	}
}

// WithInstance adds instance_id context to logger.
func (l *Logger) WithInstance(instanceID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("instance_id", instanceID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message with err attached as the error field.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// JobStarted logs the creation of a pull or push job.
func (l *Logger) JobStarted(jobID, kind, peer string, instanceCount int, totalSize uint64) {
	l.logger.Info().
		Str("job_id", jobID).
		Str("kind", kind).
		Str("peer", peer).
		Int("instance_count", instanceCount).
		Uint64("total_size", totalSize).
		Msg("job started")
}

// JobProgress logs bucket-level progress of a running job.
func (l *Logger) JobProgress(jobID string, completed, scheduled int, speedKBs float64) {
	l.logger.Debug().
		Str("job_id", jobID).
		Int("completed_queries", completed).
		Int("scheduled_queries", scheduled).
		Float64("speed_kbs", speedKBs).
		Msg("job progress")
}

// JobFinished logs terminal job state.
func (l *Logger) JobFinished(jobID, state string, duration time.Duration) {
	l.logger.Info().
		Str("job_id", jobID).
		Str("state", state).
		Float64("duration_seconds", duration.Seconds()).
		Msg("job finished")
}

// CommitResult logs the outcome of committing one instance.
func (l *Logger) CommitResult(instanceID string, ok bool, errKind string) {
	ev := l.logger.Debug()
	if !ok {
		ev = l.logger.Warn()
	}
	ev.Str("instance_id", instanceID).
		Bool("ok", ok).
		Str("error_kind", errKind).
		Msg("instance commit result")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
