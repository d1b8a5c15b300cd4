package castellan

import (
	"context"
	"log"
	"time"
)

// ChangePassword replaces the user's credential after verifying the current
// one. The new password must differ from the current secret and from every
// hash in the retained history; on success all of the user's sessions are
// revoked and a fresh expiry window starts.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}
	if userID == "" || oldPassword == "" || newPassword == "" {
		e.emitAudit(ctx, auditEventPasswordFailure, false, userID, "", "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{"reason": "invalid_input"}
		})
		return ErrPasswordPolicy
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordFailure, false, userID, "", "", err, func() map[string]string {
			return map[string]string{"reason": "user_lookup"}
		})
		return err
	}
	if user.Blocked {
		e.emitAudit(ctx, auditEventPasswordFailure, false, userID, user.Email, "", ErrUserBlocked, nil)
		return ErrUserBlocked
	}

	oldOK, err := e.passwordHash.Verify(oldPassword, user.Credential.Hash)
	if err != nil || !oldOK {
		e.emitAudit(ctx, auditEventPasswordFailure, false, userID, user.Email, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "invalid_old_password"}
		})
		return ErrInvalidCredentials
	}

	if reused, err := e.passwordReused(newPassword, user.Credential); err != nil {
		e.emitAudit(ctx, auditEventPasswordFailure, false, userID, user.Email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{"reason": "history_check"}
		})
		return ErrPasswordPolicy
	} else if reused {
		e.metricInc(MetricPasswordReuseRejected)
		e.emitAudit(ctx, auditEventPasswordReuse, false, userID, user.Email, "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordFailure, false, userID, user.Email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{"reason": "hash_policy"}
		})
		return ErrPasswordPolicy
	}

	cred := CredentialRecord{
		Hash:    newHash,
		History: foldHistory(user.Credential, e.config.Password.HistoryLimit),
	}
	if e.config.Password.MaxAge > 0 {
		cred.ExpiresAt = e.now().Add(e.config.Password.MaxAge)
	}

	if err := e.userProvider.ReplaceCredential(ctx, userID, cred); err != nil {
		err = storeFault(err)
		e.emitAudit(ctx, auditEventPasswordFailure, false, userID, user.Email, "", err, func() map[string]string {
			return map[string]string{"reason": "replace_failed"}
		})
		return err
	}

	// A credential change orphans every outstanding session.
	if _, err := e.LogoutAll(ctx, userID); err != nil {
		log.Print("castellan: session revocation failed after password change")
	}

	oldPassword = ""
	newPassword = ""
	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChanged, true, userID, user.Email, "", nil, nil)
	return nil
}

// passwordReused checks the candidate against the current hash and the
// retained history.
func (e *Engine) passwordReused(candidate string, cred CredentialRecord) (bool, error) {
	same, err := e.passwordHash.Verify(candidate, cred.Hash)
	if err != nil {
		return false, err
	}
	if same {
		return true, nil
	}
	for _, old := range cred.History {
		match, err := e.passwordHash.Verify(candidate, old)
		if err != nil {
			// Hashes written under retired parameter sets stay in history
			// but cannot veto; skip them.
			continue
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// foldHistory prepends the outgoing hash to the history, newest first,
// trimming to the limit.
func foldHistory(cred CredentialRecord, limit int) []string {
	if limit <= 0 {
		return nil
	}
	history := make([]string, 0, limit)
	history = append(history, cred.Hash)
	for _, old := range cred.History {
		if len(history) >= limit {
			break
		}
		history = append(history, old)
	}
	return history
}

// CredentialExpiresAt reports when the user's current credential lapses; the
// zero time means it never does.
func (e *Engine) CredentialExpiresAt(ctx context.Context, userID string) (time.Time, error) {
	if e == nil || e.userProvider == nil {
		return time.Time{}, ErrEngineNotReady
	}
	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	return user.Credential.ExpiresAt, nil
}
