package castellan

import (
	"context"
	"time"
)

// SourceLockoutStatus returns a read-only view of one source address's
// lockout record without perturbing it.
func (e *Engine) SourceLockoutStatus(ctx context.Context, addr string) (*LockoutStatus, error) {
	if e == nil || e.lockout == nil {
		return nil, ErrEngineNotReady
	}

	record, err := e.lockout.Status(ctx, addr)
	if err != nil {
		return nil, storeFault(err)
	}

	status := &LockoutStatus{
		Failures: int(record.Failures),
		Level:    int(record.Level),
	}
	if record.Blocked {
		if record.BlockedUntil == 0 {
			status.Blocked = true
			status.Permanent = true
		} else if remaining := time.Unix(record.BlockedUntil, 0).Sub(e.now()); remaining > 0 {
			status.Blocked = true
			status.RetryAfter = remaining
		}
		// A lapsed temporary block reads as unblocked; the stored record is
		// cleared lazily on the next login attempt.
	}
	return status, nil
}

// UnblockAddress is the administrative pardon. It clears the address's whole
// record, including a permanent block, which has no other way out.
func (e *Engine) UnblockAddress(ctx context.Context, addr string) error {
	if e == nil || e.lockout == nil {
		return ErrEngineNotReady
	}

	status, err := e.SourceLockoutStatus(ctx, addr)
	if err != nil {
		return err
	}

	if err := e.lockout.Unblock(ctx, addr); err != nil {
		return storeFault(err)
	}

	e.metricInc(MetricLockPardoned)
	e.emitAudit(ctx, auditEventLockCleared, true, "", "", "", nil, func() map[string]string {
		meta := map[string]string{"address": addr}
		if status.Blocked {
			meta["remaining"] = retryAfterSeconds(status.RetryAfter)
		}
		return meta
	})
	return nil
}
