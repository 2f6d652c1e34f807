package statistics

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics contains counters for the compression service.
type Statistics struct {
	SessionsCreated int64
	SessionsExpired int64

	UploadsAccepted int64
	UploadsIgnored  int64
	DecodeErrors    int64

	Reencodes      int64
	ReencodeErrors int64
	StaleResults   int64
	Downloads      int64

	BytesIn  int64
	BytesOut int64

	StartTime time.Time

	Errors []StatError

	mutex sync.RWMutex

	MIMETypeStats map[string]int64
}

// StatError represents an error that occurred during processing.
type StatError struct {
	Session   string
	Operation string
	Error     string
	Timestamp time.Time
}

// Snapshot is a point-in-time copy of the counters, suitable for JSON.
type Snapshot struct {
	SessionsCreated int64            `json:"sessions_created"`
	SessionsExpired int64            `json:"sessions_expired"`
	UploadsAccepted int64            `json:"uploads_accepted"`
	UploadsIgnored  int64            `json:"uploads_ignored"`
	DecodeErrors    int64            `json:"decode_errors"`
	Reencodes       int64            `json:"reencodes"`
	ReencodeErrors  int64            `json:"reencode_errors"`
	StaleResults    int64            `json:"stale_results"`
	Downloads       int64            `json:"downloads"`
	BytesIn         int64            `json:"bytes_in"`
	BytesOut        int64            `json:"bytes_out"`
	Uptime          string           `json:"uptime"`
	MIMETypes       map[string]int64 `json:"mime_types"`
}

// maxErrors bounds the retained error history.
const maxErrors = 100

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:     time.Now(),
		MIMETypeStats: make(map[string]int64),
		Errors:        make([]StatError, 0),
	}
}

// IncrementSessionsCreated increases the count of created sessions by 1.
func (s *Statistics) IncrementSessionsCreated() {
	atomic.AddInt64(&s.SessionsCreated, 1)
}

// AddSessionsExpired adds n to the count of expired sessions.
func (s *Statistics) AddSessionsExpired(n int) {
	atomic.AddInt64(&s.SessionsExpired, int64(n))
}

// RecordUpload records an accepted upload of the given type and size.
func (s *Statistics) RecordUpload(mimeType string, size int64) {
	atomic.AddInt64(&s.UploadsAccepted, 1)
	atomic.AddInt64(&s.BytesIn, size)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.MIMETypeStats[mimeType]++
}

// IncrementUploadsIgnored increases the count of silently ignored uploads by 1.
func (s *Statistics) IncrementUploadsIgnored() {
	atomic.AddInt64(&s.UploadsIgnored, 1)
}

// IncrementDecodeErrors increases the count of undecodable uploads by 1.
func (s *Statistics) IncrementDecodeErrors() {
	atomic.AddInt64(&s.DecodeErrors, 1)
}

// RecordReencode records a completed re-encode producing size bytes.
func (s *Statistics) RecordReencode(size int64) {
	atomic.AddInt64(&s.Reencodes, 1)
	atomic.AddInt64(&s.BytesOut, size)
}

// IncrementReencodeErrors increases the count of failed re-encodes by 1.
func (s *Statistics) IncrementReencodeErrors() {
	atomic.AddInt64(&s.ReencodeErrors, 1)
}

// IncrementStaleResults increases the count of discarded out-of-order results by 1.
func (s *Statistics) IncrementStaleResults() {
	atomic.AddInt64(&s.StaleResults, 1)
}

// IncrementDownloads increases the count of downloads by 1.
func (s *Statistics) IncrementDownloads() {
	atomic.AddInt64(&s.Downloads, 1)
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(session, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		Session:   session,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
	if len(s.Errors) > maxErrors {
		s.Errors = s.Errors[len(s.Errors)-maxErrors:]
	}
}

// Snapshot returns a copy of the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mutex.RLock()
	types := make(map[string]int64, len(s.MIMETypeStats))
	for k, v := range s.MIMETypeStats {
		types[k] = v
	}
	s.mutex.RUnlock()

	return Snapshot{
		SessionsCreated: atomic.LoadInt64(&s.SessionsCreated),
		SessionsExpired: atomic.LoadInt64(&s.SessionsExpired),
		UploadsAccepted: atomic.LoadInt64(&s.UploadsAccepted),
		UploadsIgnored:  atomic.LoadInt64(&s.UploadsIgnored),
		DecodeErrors:    atomic.LoadInt64(&s.DecodeErrors),
		Reencodes:       atomic.LoadInt64(&s.Reencodes),
		ReencodeErrors:  atomic.LoadInt64(&s.ReencodeErrors),
		StaleResults:    atomic.LoadInt64(&s.StaleResults),
		Downloads:       atomic.LoadInt64(&s.Downloads),
		BytesIn:         atomic.LoadInt64(&s.BytesIn),
		BytesOut:        atomic.LoadInt64(&s.BytesOut),
		Uptime:          time.Since(s.StartTime).Truncate(time.Second).String(),
		MIMETypes:       types,
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Image Compressor Statistics Summary:

Sessions:
		Created: %d
		Expired: %d

Uploads:
		Accepted: %d
		Ignored: %d
		Decode Errors: %d

Compression:
		Re-encodes: %d
		Errors: %d
		Stale Results: %d
		Downloads: %d

Traffic:
		Bytes In: %s
		Bytes Out: %s
		Uptime: %s`,
		snap.SessionsCreated,
		snap.SessionsExpired,
		snap.UploadsAccepted,
		snap.UploadsIgnored,
		snap.DecodeErrors,
		snap.Reencodes,
		snap.ReencodeErrors,
		snap.StaleResults,
		snap.Downloads,
		humanize.IBytes(uint64(snap.BytesIn)),
		humanize.IBytes(uint64(snap.BytesOut)),
		snap.Uptime)
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.Session,
			err.Error)
	}
	return result
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatSize renders a byte count the way the preview page shows it:
// base 1024, at most two decimals, trailing zeros dropped ("1.46 KB", "1 MB").
// Counts past the GB range stay in GB.
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}

	const k = 1024
	i := 0
	for div := int64(k); i < len(sizeUnits)-1 && bytes >= div; div *= k {
		i++
	}

	value := float64(bytes) / math.Pow(k, float64(i))
	rounded := math.Floor(value*100+0.5) / 100
	return strconv.FormatFloat(rounded, 'f', -1, 64) + " " + sizeUnits[i]
}
