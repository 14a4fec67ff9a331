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

// WithQuery adds query_id context to logger.
func (l *Logger) WithQuery(queryID int64) *Logger {
	return &Logger{
		logger: l.logger.With().Int64("query_id", queryID).Logger(),
	}
}

// WithJob adds query_id/job_id context to logger.
func (l *Logger) WithJob(queryID, jobID int64) *Logger {
	return &Logger{
		logger: l.logger.With().Int64("query_id", queryID).Int64("job_id", jobID).Logger(),
	}
}

// WithChunk adds chunk_id context to logger.
func (l *Logger) WithChunk(chunkID int32) *Logger {
	return &Logger{
		logger: l.logger.With().Int32("chunk_id", chunkID).Logger(),
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

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// QueryStarted logs the dispatch of a user query into jobs.
func (l *Logger) QueryStarted(queryID int64, sql string, totalJobs int) {
	l.logger.Info().
		Int64("query_id", queryID).
		Str("sql", sql).
		Int("total_jobs", totalJobs).
		Msg("query execution started")
}

// JobDispatched logs a job being sent to a worker.
func (l *Logger) JobDispatched(queryID, jobID int64, chunkID int32, wname string, attempt int) {
	l.logger.Debug().
		Int64("query_id", queryID).
		Int64("job_id", jobID).
		Int32("chunk_id", chunkID).
		Str("worker", wname).
		Int("attempt", attempt).
		Msg("job dispatched")
}

// QueryProgress logs fan-out progress toward completion.
func (l *Logger) QueryProgress(queryID int64, jobsDone, totalJobs int, rowsMerged int64, elapsed time.Duration) {
	progress := float64(jobsDone) / float64(totalJobs) * 100.0

	l.logger.Info().
		Int64("query_id", queryID).
		Int("jobs_done", jobsDone).
		Int("total_jobs", totalJobs).
		Float64("progress_percent", progress).
		Int64("rows_merged", rowsMerged).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("query progress")
}

// QueryCompleted logs terminal query state.
func (l *Logger) QueryCompleted(queryID int64, rowsMerged int64, totalJobs int, duration time.Duration, success bool) {
	l.logger.Info().
		Int64("query_id", queryID).
		Int64("rows_merged", rowsMerged).
		Int("total_jobs", totalJobs).
		Float64("duration_seconds", duration.Seconds()).
		Bool("success", success).
		Msg("query completed")
}

// JobAttemptFailed logs a failed job attempt and whether it will retry.
func (l *Logger) JobAttemptFailed(queryID, jobID int64, errorCode int32, errorMsg string, attempt int, willRetry bool) {
	l.logger.Error().
		Int64("query_id", queryID).
		Int64("job_id", jobID).
		Int32("error_code", errorCode).
		Str("error_message", errorMsg).
		Int("attempt", attempt).
		Bool("will_retry", willRetry).
		Msg("job attempt failed")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
