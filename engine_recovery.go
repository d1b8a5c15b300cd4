package castellan

import (
	"context"
	"strconv"

	"github.com/castellan-auth/castellan/internal"
)

// GenerateRecoveryCodes mints a fresh batch of single-use recovery codes and
// replaces any previous batch. The plaintexts are returned exactly once;
// only their hashes are stored.
func (e *Engine) GenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	if e == nil || e.userProvider == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.RecoveryCode.Enabled {
		return nil, ErrRecoveryCodesNotConfigured
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Blocked {
		return nil, ErrUserBlocked
	}

	count := e.config.RecoveryCode.Count
	plaintexts := make([]string, 0, count)
	records := make([]RecoveryCodeRecord, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewRecoveryCode()
		if err != nil {
			return nil, err
		}
		plaintexts = append(plaintexts, code)
		records = append(records, RecoveryCodeRecord{Hash: internal.HashValue(code)})
	}

	if err := e.userProvider.ReplaceRecoveryCodes(ctx, userID, records); err != nil {
		return nil, storeFault(err)
	}

	e.emitAudit(ctx, auditEventRecoveryIssued, true, userID, user.Email, "", nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(count)}
	})
	return plaintexts, nil
}
