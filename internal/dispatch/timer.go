package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
	"github.com/fleetops/ride-dispatch/pkg/config"
	"github.com/fleetops/ride-dispatch/pkg/logger"
)

// timeoutFirer is the narrow Engine contract the timer needs.
type timeoutFirer interface {
	Timeout(ctx context.Context, requestID, driverID string) error
}

// OfferTimer is the production C5: an in-process timer per request plus a
// periodic sweeper that covers the case where the owning worker crashed
// before its timer fired. The sweeper is the durability backstop the spec
// asks for; the in-process timer is what actually fires in the common case.
type OfferTimer struct {
	engine   timeoutFirer
	store    *dispatchstore.Store
	duration time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewOfferTimer constructs a timer armed with the offer window from cfg.
func NewOfferTimer(engine timeoutFirer, store *dispatchstore.Store, cfg config.DispatchConfig) *OfferTimer {
	return &OfferTimer{
		engine:        engine,
		store:         store,
		duration:      cfg.OfferTimeout(),
		timers:        make(map[string]*time.Timer),
		sweepInterval: 30 * time.Second,
		stop:          make(chan struct{}),
	}
}

// Arm schedules a single timeout fire for requestID/driverID after the
// offer window. Any previously armed timer for the request is replaced.
func (t *OfferTimer) Arm(requestID, driverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.timers[requestID]; ok {
		existing.Stop()
	}

	t.timers[requestID] = time.AfterFunc(t.duration, func() {
		t.fire(requestID, driverID)
	})
}

// Disarm cancels any outstanding timer for requestID. A disarm after the
// timer has already fired is a harmless no-op.
func (t *OfferTimer) Disarm(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.timers[requestID]; ok {
		existing.Stop()
		delete(t.timers, requestID)
	}
}

func (t *OfferTimer) fire(requestID, driverID string) {
	t.mu.Lock()
	delete(t.timers, requestID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.engine.Timeout(ctx, requestID, driverID); err != nil {
		logger.ErrorContext(ctx, "offer timer fire failed",
			zap.String("request_id", requestID), zap.String("driver_id", driverID), zap.Error(err))
	}
}

// RunSweeper blocks, periodically scanning for offering-state requests
// whose offeree key has outlived the offer window without a matching
// in-process timer — the crash-recovery path described in spec §4.5.
// It returns when ctx is cancelled or Stop is called.
func (t *OfferTimer) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweepOnce(ctx)
		}
	}
}

// Stop halts the sweeper loop; in-flight Arm/Disarm calls are unaffected.
func (t *OfferTimer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

func (t *OfferTimer) sweepOnce(ctx context.Context) {
	requestIDs, err := t.store.ScanOfferingRequests(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "sweeper failed to scan offering requests", zap.Error(err))
		return
	}

	for _, requestID := range requestIDs {
		t.mu.Lock()
		_, ownedByThisWorker := t.timers[requestID]
		t.mu.Unlock()
		if ownedByThisWorker {
			continue
		}

		remaining, ok, err := t.store.CurrentOffereeTTL(ctx, requestID)
		if err != nil {
			logger.ErrorContext(ctx, "sweeper failed to read offeree ttl",
				zap.String("request_id", requestID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if remaining > t.duration {
			continue
		}

		driverID, err := t.store.GetCurrentOfferee(ctx, requestID)
		if err != nil || driverID == "" {
			continue
		}

		logger.WarnContext(ctx, "sweeper synthesizing timeout for lapsed offer",
			zap.String("request_id", requestID), zap.String("driver_id", driverID))
		if err := t.engine.Timeout(ctx, requestID, driverID); err != nil {
			logger.ErrorContext(ctx, "sweeper synthesized timeout failed",
				zap.String("request_id", requestID), zap.Error(err))
		}
	}
}
