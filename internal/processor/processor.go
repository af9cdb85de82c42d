// Package processor drives delivery cycles over pending notifications.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexnthnz/push-delivery/internal/channels"
	"github.com/alexnthnz/push-delivery/internal/dispatch"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
)

// ErrCycleInProgress is returned by RunCycle when another cycle holds the latch.
var ErrCycleInProgress = errors.New("processing cycle already in progress")

const deviceNotFoundError = "device not found"

// NotificationStore is the persistence the processor mutates.
type NotificationStore interface {
	FetchPending(ctx context.Context, limit, maxRetries int) ([]notification.PendingNotification, error)
	MarkDelivered(ctx context.Context, id string, method notification.DeliveryMethod, at time.Time) error
	RecordFailure(ctx context.Context, id string, method notification.DeliveryMethod, errMsg string, at time.Time, maxRetries int) error
	MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error
	MarkQueued(ctx context.Context, id string) error
	DeleteFailedBefore(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error)
	ExpirePendingBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// DeviceRegistry resolves devices and clears invalid credentials.
type DeviceRegistry interface {
	Get(ctx context.Context, deviceID string) (*notification.Device, error)
	ClearWebPush(ctx context.Context, deviceID string) error
	ClearFCMToken(ctx context.Context, deviceID string) error
}

// DeliveryLog appends attempt outcomes.
type DeliveryLog interface {
	Append(ctx context.Context, e notification.DeliveryLogEntry) error
}

// Dispatcher performs one delivery attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notification.PendingNotification, d notification.Device) dispatch.Result
}

// CycleStats aggregates one processing cycle
type CycleStats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Options tunes a Processor
type Options struct {
	BatchSize  int
	MaxRetries int
	Retention  time.Duration
}

// Processor runs delivery cycles. The zero value is not usable; use New.
type Processor struct {
	store    NotificationStore
	devices  DeviceRegistry
	log      DeliveryLog
	dispatch Dispatcher
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	running atomic.Bool
}

// New creates a processor. log and metrics may be nil.
func New(store NotificationStore, devices DeviceRegistry, log DeliveryLog, d Dispatcher, metrics *monitoring.Metrics, opts Options, logger *zap.Logger) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Processor{
		store:    store,
		devices:  devices,
		log:      log,
		dispatch: d,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// RunCycle processes one bounded batch of pending notifications. Only store
// errors on fetch are returned; per-row failures are folded into the stats.
func (p *Processor) RunCycle(ctx context.Context) (CycleStats, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("Cycle already running, skipping")
		if p.metrics != nil {
			p.metrics.RecordCycleSkipped()
		}
		return CycleStats{}, ErrCycleInProgress
	}
	defer p.running.Store(false)

	start := p.now()
	batch, err := p.store.FetchPending(ctx, p.opts.BatchSize, p.opts.MaxRetries)
	if err != nil {
		p.recordCycle("error", start, CycleStats{})
		return CycleStats{}, fmt.Errorf("fetch pending notifications: %w", err)
	}

	var (
		mu    sync.Mutex
		stats CycleStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.BatchSize)
	for _, n := range batch {
		g.Go(func() error {
			class := p.processRow(gctx, n)
			mu.Lock()
			stats.Processed++
			switch class {
			case classSent:
				stats.Sent++
			case classFailed:
				stats.Failed++
			case classSkipped:
				stats.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.recordCycle("ok", start, stats)
	if stats.Processed > 0 {
		p.logger.Info("Processing cycle finished",
			zap.Int("processed", stats.Processed),
			zap.Int("sent", stats.Sent),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
			zap.Duration("duration", p.now().Sub(start)),
		)
	}
	return stats, nil
}

// Cleanup deletes failed notifications older than the retention window, then
// expires rows that stayed pending past it. Expired rows are deleted by the
// following sweep. It returns the number of deleted rows.
func (p *Processor) Cleanup(ctx context.Context) (int64, error) {
	now := p.now()
	cutoff := now.Add(-p.opts.Retention)
	deleted, err := p.store.DeleteFailedBefore(ctx, cutoff, p.opts.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed notifications: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordCleanup(deleted)
	}

	expired, err := p.store.ExpirePendingBefore(ctx, cutoff, now.UTC())
	if err != nil {
		return deleted, fmt.Errorf("expire pending notifications: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordExpired(expired)
	}

	p.logger.Info("Cleaned up notifications",
		zap.Int64("deleted", deleted),
		zap.Int64("expired", expired),
		zap.Time("cutoff", cutoff),
	)
	return deleted, nil
}

type rowClass int

const (
	classSent rowClass = iota
	classFailed
	classSkipped
)

// processRow handles one notification. Panics and errors are contained here.
func (p *Processor) processRow(ctx context.Context, n notification.PendingNotification) (class rowClass) {
	logger := p.logger.With(zap.String("id", n.ID), zap.String("device_id", n.DeviceID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing notification", zap.Any("panic", r))
			p.persistFailure(ctx, logger, n, "", fmt.Sprintf("internal error: %v", r))
			class = classFailed
		}
	}()

	device, err := p.devices.Get(ctx, n.DeviceID)
	if err != nil {
		if errors.Is(err, notification.ErrDeviceNotFound) {
			logger.Warn("Device not found, failing notification")
			if err := p.store.MarkFailed(ctx, n.ID, deviceNotFoundError, p.now().UTC()); err != nil {
				logger.Error("Failed to mark notification failed", zap.Error(err))
			}
			p.appendLog(ctx, logger, n, "", "device_not_found", deviceNotFoundError, 0)
			return classSkipped
		}
		logger.Error("Failed to resolve device", zap.Error(err))
		p.persistFailure(ctx, logger, n, "", fmt.Sprintf("resolve device: %v", err))
		return classFailed
	}

	res := p.dispatch.Dispatch(ctx, n, *device)
	if p.metrics != nil {
		p.metrics.RecordDispatch(channelLabel(res.Method), res.Outcome.String(), res.Latency.Seconds(), res.Stale && res.Outcome.Attempted())
	}

	switch res.Outcome {
	case dispatch.Delivered:
		p.appendLog(ctx, logger, n, res.Method, res.Outcome.String(), "", res.Latency)
		if err := p.store.MarkDelivered(ctx, n.ID, res.Method, p.now().UTC()); err != nil {
			logger.Error("Failed to mark notification delivered", zap.Error(err))
			return classFailed
		}
		logger.Info("Notification delivered", zap.String("method", string(res.Method)))
		return classSent

	case dispatch.PermanentChannelFailure:
		p.invalidate(ctx, logger, device.DeviceID, res.Method)
		p.persistFailure(ctx, logger, n, res.Method, errString(res.Err))
		p.appendLog(ctx, logger, n, res.Method, res.Outcome.String(), errString(res.Err), res.Latency)
		return classFailed

	case dispatch.TransientFailure:
		p.persistFailure(ctx, logger, n, res.Method, errString(res.Err))
		p.appendLog(ctx, logger, n, res.Method, res.Outcome.String(), errString(res.Err), res.Latency)
		return classFailed

	default:
		if n.DeliveryMethod != notification.MethodFallbackQueued {
			if err := p.store.MarkQueued(ctx, n.ID); err != nil {
				logger.Error("Failed to mark notification queued", zap.Error(err))
			}
		}
		logger.Debug("No usable channel, notification stays queued")
		return classSkipped
	}
}

func (p *Processor) persistFailure(ctx context.Context, logger *zap.Logger, n notification.PendingNotification, method notification.DeliveryMethod, msg string) {
	if method == "" {
		method = n.DeliveryMethod
	}
	if err := p.store.RecordFailure(ctx, n.ID, method, msg, p.now().UTC(), p.opts.MaxRetries); err != nil {
		logger.Error("Failed to record delivery failure", zap.Error(err))
		return
	}
	if n.AttemptCount+1 >= p.opts.MaxRetries {
		logger.Warn("Notification exhausted its retries", zap.Int("attempts", n.AttemptCount+1), zap.String("last_error", msg))
	}
}

// invalidate clears the credential the failed channel used.
func (p *Processor) invalidate(ctx context.Context, logger *zap.Logger, deviceID string, method notification.DeliveryMethod) {
	var err error
	switch method {
	case notification.MethodWebPush:
		err = p.devices.ClearWebPush(ctx, deviceID)
	case notification.MethodFCM:
		err = p.devices.ClearFCMToken(ctx, deviceID)
	default:
		return
	}
	if err != nil {
		logger.Error("Failed to clear invalid credential", zap.String("method", string(method)), zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.RecordCredentialInvalidated(channelLabel(method))
	}
	logger.Info("Cleared invalid credential", zap.String("method", string(method)))
}

func (p *Processor) appendLog(ctx context.Context, logger *zap.Logger, n notification.PendingNotification, method notification.DeliveryMethod, outcome, errMsg string, latency time.Duration) {
	if p.log == nil {
		return
	}
	entry := notification.DeliveryLogEntry{
		NotificationID: n.ID,
		DeviceID:       n.DeviceID,
		Method:         method,
		Outcome:        outcome,
		Error:          errMsg,
		LatencyMs:      latency.Milliseconds(),
		CreatedAt:      p.now().UTC(),
	}
	if err := p.log.Append(ctx, entry); err != nil {
		logger.Warn("Failed to append delivery log", zap.Error(err))
	}
}

func (p *Processor) recordCycle(result string, start time.Time, s CycleStats) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordCycle(result, p.now().Sub(start).Seconds(), s.Processed, s.Sent, s.Failed, s.Skipped)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// channelLabel maps a delivery method onto a metrics label.
func channelLabel(method notification.DeliveryMethod) string {
	switch method {
	case notification.MethodWebPush:
		return channels.ChannelWebPush
	case notification.MethodFCM:
		return channels.ChannelFCM
	default:
		return "none"
	}
}
