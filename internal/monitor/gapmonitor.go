// Package monitor watches the ledger for sequence discontinuities.
//
// The monitor is read-only with respect to the ledger: it never fills a gap
// and never requires the writer lock. A detected gap is reported as a
// witnessed event through the normal write path when a writer is available,
// and kept pending otherwise; depending on the configured policy it may also
// halt the system.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/civitas-gov/civitas/internal/ledger"
	"github.com/civitas-gov/civitas/internal/writer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GapEventType tags the witnessed ledger event a gap report produces.
const GapEventType = "ledger.sequence_gap_detected"

// Policy selects what happens beyond reporting when a gap is found.
type Policy string

const (
	// PolicyReport logs and witnesses the gap; writes continue.
	PolicyReport Policy = "report"
	// PolicyHalt additionally halts the system.
	PolicyHalt Policy = "halt"
)

// GapReport is the immutable record of one detected discontinuity. It is
// never resolved automatically; an unreported or unresolved gap is itself an
// operational signal.
type GapReport struct {
	ReportID         string    `json:"report_id"`
	ExpectedSequence int64     `json:"expected_sequence"`
	ActualSequence   int64     `json:"actual_sequence"`
	MissingSequences []int64   `json:"missing_sequences"`
	DetectedAt       time.Time `json:"detected_at"`
}

// Reporter delivers a gap report into the witnessed ledger. Implementations
// go through the gated write path; a failure leaves the report pending.
type Reporter interface {
	ReportGap(ctx context.Context, report GapReport) error
}

// LedgerReporter writes gap reports through the writer service under a
// dedicated system agent identity.
type LedgerReporter struct {
	Service *writer.Service
	AgentID string
}

// ReportGap implements Reporter.
func (r *LedgerReporter) ReportGap(ctx context.Context, report GapReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal gap report: %w", err)
	}
	_, err = r.Service.Submit(ctx, writer.Request{
		EventType:      GapEventType,
		Payload:        payload,
		AgentID:        r.AgentID,
		LocalTimestamp: report.DetectedAt,
	})
	return err
}

// MetricsRecordFunc is an optional callback for recording detected gaps.
type MetricsRecordFunc func()

// GapMonitor periodically scans the not-yet-checked sequence range for
// contiguity. The default interval guarantees detection within two cycles.
type GapMonitor struct {
	store    ledger.Store
	reporter Reporter
	halt     *writer.HaltState
	policy   Policy
	interval time.Duration
	logger   *zap.Logger

	onMetrics  MetricsRecordFunc
	checkpoint func(seq int64)

	lastChecked int64
	pending     []GapReport
}

// Config holds gap monitor configuration.
type Config struct {
	Interval time.Duration
	Policy   Policy
}

// New creates a GapMonitor. reporter may be nil on read-only replicas; halt
// is only consulted under PolicyHalt.
func New(store ledger.Store, reporter Reporter, halt *writer.HaltState, cfg Config, logger *zap.Logger) *GapMonitor {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReport
	}
	return &GapMonitor{
		store:    store,
		reporter: reporter,
		halt:     halt,
		policy:   cfg.Policy,
		interval: cfg.Interval,
		logger:   logger,
	}
}

// SetMetricsRecord configures the gap-detected metrics callback.
func (m *GapMonitor) SetMetricsRecord(fn MetricsRecordFunc) { m.onMetrics = fn }

// SetLastChecked seeds the scan watermark, typically from a value persisted
// by a previous run. Without a seed every restart rescans from sequence 1 and
// re-reports gaps the ledger already witnessed. The watermark only moves
// forward.
func (m *GapMonitor) SetLastChecked(seq int64) {
	if seq > m.lastChecked {
		m.lastChecked = seq
	}
}

// LastChecked returns the highest sequence the monitor has verified.
func (m *GapMonitor) LastChecked() int64 { return m.lastChecked }

// SetCheckpoint configures a callback invoked whenever the watermark
// advances, so the process can persist it for the next run's SetLastChecked.
func (m *GapMonitor) SetCheckpoint(fn func(seq int64)) { m.checkpoint = fn }

// Run executes the scan loop until ctx is cancelled.
func (m *GapMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			scanCtx, cancel := context.WithTimeout(ctx, m.interval)
			if _, err := m.ScanOnce(scanCtx); err != nil {
				m.logger.Error("gap scan failed", zap.Error(err))
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce checks the range from the last verified position through the
// current maximum and reports any discontinuity. It also retries reports left
// pending by earlier cycles. Returns the new report, if any.
func (m *GapMonitor) ScanOnce(ctx context.Context) (*GapReport, error) {
	m.flushPending(ctx)

	max, err := m.store.MaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("gap scan: max sequence: %w", err)
	}
	start := m.lastChecked + 1
	if start > max {
		return nil, nil
	}

	ok, missing, err := ledger.VerifyContinuity(ctx, m.store, start, max)
	if err != nil {
		return nil, fmt.Errorf("gap scan: verify continuity: %w", err)
	}
	m.lastChecked = max
	if m.checkpoint != nil {
		m.checkpoint(max)
	}
	if ok {
		return nil, nil
	}

	report := GapReport{
		ReportID:         uuid.New().String(),
		ExpectedSequence: missing[0],
		ActualSequence:   max,
		MissingSequences: missing,
		DetectedAt:       time.Now().UTC(),
	}
	m.logger.Error("SEQUENCE GAP DETECTED",
		zap.String("report_id", report.ReportID),
		zap.Int64("expected_sequence", report.ExpectedSequence),
		zap.Int64("actual_sequence", report.ActualSequence),
		zap.Int64s("missing_sequences", report.MissingSequences),
	)
	if m.onMetrics != nil {
		m.onMetrics()
	}

	m.deliver(ctx, report)

	if m.policy == PolicyHalt {
		m.halt.Halt(fmt.Sprintf("sequence gap detected: %d missing starting at %d",
			len(report.MissingSequences), report.ExpectedSequence))
	}
	return &report, nil
}

// deliver hands the report to the reporter, keeping it pending on failure so
// the next cycle retries. The gap itself is never auto-filled.
func (m *GapMonitor) deliver(ctx context.Context, report GapReport) {
	if m.reporter == nil {
		m.pending = append(m.pending, report)
		return
	}
	if err := m.reporter.ReportGap(ctx, report); err != nil {
		m.logger.Warn("gap report deferred; no writer available",
			zap.String("report_id", report.ReportID),
			zap.Error(err),
		)
		m.pending = append(m.pending, report)
	}
}

func (m *GapMonitor) flushPending(ctx context.Context) {
	if m.reporter == nil || len(m.pending) == 0 {
		return
	}
	var still []GapReport
	for _, report := range m.pending {
		if err := m.reporter.ReportGap(ctx, report); err != nil {
			still = append(still, report)
		}
	}
	m.pending = still
}

// Pending returns the reports that have been detected but not yet witnessed.
func (m *GapMonitor) Pending() []GapReport {
	return append([]GapReport(nil), m.pending...)
}
