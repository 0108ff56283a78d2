package workers

import (
	"context"
	"log"
	"time"

	"github.com/risk-engine/core/db"
	"github.com/risk-engine/core/internal/config"
	"github.com/risk-engine/core/services"
)

// SweeperWorker advances incidents whose quiet window is elapsing. The
// detector only runs when errors arrive, so the time-driven transitions
// (OPEN → INVESTIGATING → RESOLVED) would never fire without this periodic
// pass. Multiple worker processes may sweep concurrently; the per-incident
// sweep lock and the atomic expiry check keep each transition single-owner.
type SweeperWorker struct {
	Incidents IncidentStore
	Coord     Coordinator
	Notifier  EventNotifier
	Cfg       config.Config
}

func NewSweeperWorker(incidents IncidentStore, coord Coordinator, notifier EventNotifier, cfg config.Config) *SweeperWorker {
	return &SweeperWorker{
		Incidents: incidents,
		Coord:     coord,
		Notifier:  notifier,
		Cfg:       cfg,
	}
}

// Start runs sweep ticks on the configured period until the context is
// cancelled.
func (w *SweeperWorker) Start(ctx context.Context) {
	log.Printf("Sweeper started, period %s", w.Cfg.SweepPeriod())

	ticker := time.NewTicker(w.Cfg.SweepPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Sweeper stopping")
			return
		case <-ticker.C:
			w.SweepTick(ctx)
		}
	}
}

// SweepTick inspects every investigating key once. A failure on one incident
// is logged and skipped; it must never stall the rest of the tick.
func (w *SweeperWorker) SweepTick(ctx context.Context) {
	keys, err := w.Coord.ScanInvestigatingKeys(ctx)
	if err != nil {
		log.Printf("Sweeper: failed to scan investigating keys: %v", err)
		return
	}

	for _, key := range keys {
		if err := w.sweepIncident(ctx, key); err != nil {
			log.Printf("Sweeper: failed to sweep %s: %v", key, err)
		}
	}
}

func (w *SweeperWorker) sweepIncident(ctx context.Context, investigatingKey string) error {
	ref, present, err := w.Coord.GetRef(ctx, investigatingKey)
	if err != nil {
		return err
	}
	if !present {
		// Raced with a resolve or natural expiry since the scan.
		return nil
	}

	orgID, projectID, err := services.OrgProjectFromKey(investigatingKey)
	if err != nil {
		return err
	}

	// One worker per incident per tick. The lock TTL outlives the sweep
	// period, so a slow holder cannot be preempted by the next tick; a
	// crashed holder is unblocked by expiry.
	sweepLock := services.SweepLockKey(ref.IncidentID)
	acquired, err := w.Coord.AcquireLock(ctx, sweepLock, w.Cfg.SweepLockTTL())
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := w.Coord.ReleaseLock(ctx, sweepLock); err != nil {
			log.Printf("Sweeper: failed to release sweep lock for incident %s: %v", ref.IncidentID, err)
		}
	}()

	_, activePresent, err := w.Coord.GetRef(ctx, services.ActiveKey(orgID, projectID))
	if err != nil {
		return err
	}

	switch DecideSweep(ref.Status, activePresent) {
	case SweepReopen:
		return w.correctToOpen(ctx, investigatingKey, ref, orgID, projectID)
	case SweepMarkInvestigating:
		return w.markInvestigating(ctx, investigatingKey, ref, orgID, projectID)
	case SweepTryResolve:
		return w.tryResolve(ctx, investigatingKey, ref, orgID, projectID)
	default:
		return nil
	}
}

// correctToOpen repairs the rare ordering where errors are arriving (active
// key present) but the detector's reopen write has not landed: the row goes
// back to OPEN, conditioned on INVESTIGATING so a legitimate RESOLVED is
// never clobbered.
func (w *SweeperWorker) correctToOpen(ctx context.Context, investigatingKey string, ref services.IncidentRef, orgID, projectID string) error {
	changed, err := w.Incidents.UpdateStatusIf(ctx, ref.IncidentID, db.IncidentStatusInvestigating, db.IncidentStatusOpen)
	if err != nil {
		return err
	}

	ref.Status = db.IncidentStatusOpen
	if err := w.Coord.SetRefKeepTTL(ctx, investigatingKey, ref); err != nil {
		return err
	}

	if changed {
		log.Printf("Sweeper: corrected incident %s back to OPEN", ref.IncidentID)
		if err := w.Notifier.EmitIncidentUpdated(ctx, orgID, projectID, ref.IncidentID, db.IncidentStatusOpen); err != nil {
			log.Printf("Sweeper: failed to emit update for incident %s: %v", ref.IncidentID, err)
		}
	}

	return nil
}

// markInvestigating is the first quiet tick after the active window lapsed.
// The cached value's status changes but the TTL is preserved: this is
// bookkeeping, not a restart of the quiet-window clock.
func (w *SweeperWorker) markInvestigating(ctx context.Context, investigatingKey string, ref services.IncidentRef, orgID, projectID string) error {
	changed, err := w.Incidents.UpdateStatusIf(ctx, ref.IncidentID, db.IncidentStatusOpen, db.IncidentStatusInvestigating)
	if err != nil {
		return err
	}

	ref.Status = db.IncidentStatusInvestigating
	if err := w.Coord.SetRefKeepTTL(ctx, investigatingKey, ref); err != nil {
		return err
	}

	if changed {
		log.Printf("Sweeper: incident %s quiet, now INVESTIGATING", ref.IncidentID)
		if err := w.Notifier.EmitIncidentUpdated(ctx, orgID, projectID, ref.IncidentID, db.IncidentStatusInvestigating); err != nil {
			log.Printf("Sweeper: failed to emit update for incident %s: %v", ref.IncidentID, err)
		}
	}

	return nil
}

// tryResolve claims the resolve transition through the atomic TTL check. Only
// the caller that actually deleted the key proceeds to the conditioned RESOLVED
// write, so concurrent sweeps resolve an incident exactly once.
func (w *SweeperWorker) tryResolve(ctx context.Context, investigatingKey string, ref services.IncidentRef, orgID, projectID string) error {
	result, err := w.Coord.DeleteIfExpiring(ctx, investigatingKey, w.Cfg.ResolveThreshold())
	if err != nil {
		return err
	}
	if result != services.ExpiryDeletedNow {
		// Either another sweep beat this one to the delete, or the quiet
		// window still has budget left. Both mean: not ours, not yet.
		return nil
	}

	changed, err := w.Incidents.UpdateStatusIf(ctx, ref.IncidentID, db.IncidentStatusInvestigating, db.IncidentStatusResolved)
	if err != nil {
		return err
	}

	if changed {
		log.Printf("Sweeper: resolved incident %s", ref.IncidentID)
		if err := w.Notifier.EmitIncidentUpdated(ctx, orgID, projectID, ref.IncidentID, db.IncidentStatusResolved); err != nil {
			log.Printf("Sweeper: failed to emit update for incident %s: %v", ref.IncidentID, err)
		}
	}

	return nil
}
