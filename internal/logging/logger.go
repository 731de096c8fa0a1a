package logging

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger
func Init(level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// humanBytes renders a byte count for log readers; negative means unknown.
func humanBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

// LogDownloadStart logs the start of a download job
func LogDownloadStart(jobID, gameID, url, path string) {
	if Logger == nil {
		return
	}
	Logger.Info("download started",
		"event", "download_start",
		"job_id", jobID,
		"game_id", gameID,
		"url", RedactURL(url),
		"path", path)
}

// LogDownloadPlan logs how a job was split into chunks
func LogDownloadPlan(jobID, gameID string, total int64, chunks int, ranged bool) {
	if Logger == nil {
		return
	}
	Logger.Info("download planned",
		"event", "download_plan",
		"job_id", jobID,
		"game_id", gameID,
		"total_bytes", total,
		"total", humanBytes(total),
		"chunks", chunks,
		"ranged", ranged)
}

// LogChunkRetry logs a transient chunk failure that will be retried
func LogChunkRetry(jobID string, chunk, attempt int, delay time.Duration, err error) {
	if Logger == nil {
		return
	}
	Logger.Warn("chunk transfer retry",
		"event", "chunk_retry",
		"job_id", jobID,
		"chunk", chunk,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
		"error", err)
}

// LogDownloadComplete logs successful download completion
func LogDownloadComplete(jobID, gameID, path string, size int64, elapsed time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Info("download complete",
		"event", "download_complete",
		"job_id", jobID,
		"game_id", gameID,
		"path", path,
		"size_bytes", size,
		"size", humanBytes(size),
		"duration_ms", elapsed.Milliseconds())
}

// LogDownloadError logs download failures
func LogDownloadError(jobID, gameID, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "download_error",
		"job_id", jobID,
		"game_id", gameID,
		"error", err)
}

// LogDownloadRemoved logs a job that was torn down without completing
func LogDownloadRemoved(jobID, gameID, reason string) {
	if Logger == nil {
		return
	}
	Logger.Info("download removed",
		"event", "download_removed",
		"job_id", jobID,
		"game_id", gameID,
		"reason", reason)
}

// LogExtraction logs the archive post-processing outcome
func LogExtraction(gameID, archive, dest string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("archive extraction failed",
			"event", "extract_error",
			"game_id", gameID,
			"archive", archive,
			"error", err)
		return
	}
	Logger.Info("archive extracted",
		"event", "extract",
		"game_id", gameID,
		"archive", archive,
		"dest", dest)
}

// LogSyncSource logs the result of one catalog source
func LogSyncSource(platform, url string, games int, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("catalog source failed",
			"event", "sync_source_error",
			"platform", platform,
			"url", RedactURL(url),
			"error", err)
		return
	}
	Logger.Info("catalog source synced",
		"event", "sync_source",
		"platform", platform,
		"url", RedactURL(url),
		"games", games)
}

// LogSyncComplete logs the end of a library update run
func LogSyncComplete(succeeded, failed, games int, elapsed time.Duration, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("library update aborted",
			"event", "sync_abort",
			"succeeded", succeeded,
			"failed", failed,
			"error", err)
		return
	}
	Logger.Info("library update complete",
		"event", "sync_complete",
		"succeeded", succeeded,
		"failed", failed,
		"games", games,
		"duration_ms", elapsed.Milliseconds())
}

// LogDBOperation logs database operations
func LogDBOperation(operation string, id string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("database operation failed",
			"event", "db_operation_error",
			"operation", operation,
			"id", id,
			"error", err)
	} else {
		Logger.Info("database operation",
			"event", "db_operation",
			"operation", operation,
			"id", id)
	}
}

// LogDBUpdate logs database updates
func LogDBUpdate(operation string, id string, fields map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "db_update",
		"operation", operation,
		"id", id,
	}
	for k, v := range fields {
		if strings.EqualFold(k, "url") {
			if urlValue, ok := v.(string); ok {
				v = RedactURL(urlValue)
			}
		}
		attrs = append(attrs, k, v)
	}
	Logger.Info("database updated", attrs...)
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}
