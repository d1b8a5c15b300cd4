// Package mongo implements castellan.UserProvider on a MongoDB collection.
//
// Each account is one document in the configured users collection, keyed by
// a string user_id with a unique email index. ConsumeRecoveryCode relies on
// MongoDB's single-document atomicity, so two concurrent redemptions of the
// same code cannot both succeed.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	castellan "github.com/castellan-auth/castellan"
)

// userDocument is the stored account shape.
type userDocument struct {
	UserID  string `bson:"user_id"`
	Email   string `bson:"email"`
	Role    string `bson:"role"`
	Blocked bool   `bson:"blocked"`

	TOTPSecret       string `bson:"totp_secret,omitempty"`
	TOTPEnabled      bool   `bson:"totp_enabled"`
	EmailCodeEnabled bool   `bson:"email_code_enabled"`

	PasswordHash      string   `bson:"password_hash"`
	PasswordExpiresAt int64    `bson:"password_expires_at,omitempty"`
	PasswordHistory   []string `bson:"password_history,omitempty"`

	RecoveryCodes []recoveryCodeDocument `bson:"recovery_codes,omitempty"`
}

type recoveryCodeDocument struct {
	Hash []byte `bson:"hash"`
	Used bool   `bson:"used"`
}

// Provider is a castellan.UserProvider backed by a MongoDB collection.
type Provider struct {
	users *mongo.Collection
}

func NewProvider(users *mongo.Collection) *Provider {
	return &Provider{users: users}
}

func (p *Provider) GetUserByEmail(ctx context.Context, email string) (castellan.UserRecord, error) {
	return p.findOne(ctx, bson.M{"email": email})
}

func (p *Provider) GetUserByID(ctx context.Context, userID string) (castellan.UserRecord, error) {
	return p.findOne(ctx, bson.M{"user_id": userID})
}

func (p *Provider) findOne(ctx context.Context, filter bson.M) (castellan.UserRecord, error) {
	var doc userDocument
	err := p.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return castellan.UserRecord{}, castellan.ErrUserNotFound
		}
		return castellan.UserRecord{}, fmt.Errorf("user lookup: %w", err)
	}
	return recordFromDocument(doc), nil
}

func (p *Provider) ReplaceCredential(ctx context.Context, userID string, cred castellan.CredentialRecord) error {
	update := bson.M{
		"password_hash":    cred.Hash,
		"password_history": cred.History,
	}
	if cred.ExpiresAt.IsZero() {
		update["password_expires_at"] = int64(0)
	} else {
		update["password_expires_at"] = cred.ExpiresAt.Unix()
	}
	return p.updateOne(ctx, userID, bson.M{"$set": update})
}

func (p *Provider) SetTOTPSecret(ctx context.Context, userID, secret string) error {
	return p.updateOne(ctx, userID, bson.M{"$set": bson.M{
		"totp_secret":  secret,
		"totp_enabled": false,
	}})
}

func (p *Provider) EnableTOTP(ctx context.Context, userID string) error {
	return p.updateOne(ctx, userID, bson.M{"$set": bson.M{"totp_enabled": true}})
}

func (p *Provider) DisableTOTP(ctx context.Context, userID string) error {
	return p.updateOne(ctx, userID, bson.M{"$set": bson.M{
		"totp_enabled": false,
		"totp_secret":  "",
	}})
}

func (p *Provider) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []castellan.RecoveryCodeRecord) error {
	docs := make([]recoveryCodeDocument, len(codes))
	for i, code := range codes {
		hash := make([]byte, len(code.Hash))
		copy(hash, code.Hash[:])
		docs[i] = recoveryCodeDocument{Hash: hash}
	}
	return p.updateOne(ctx, userID, bson.M{"$set": bson.M{"recovery_codes": docs}})
}

// ConsumeRecoveryCode flips exactly one matching unused code to used. The
// filter and update run as one document-level atomic operation, so only one
// of two racing redemptions observes ModifiedCount == 1.
func (p *Provider) ConsumeRecoveryCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	result, err := p.users.UpdateOne(ctx,
		bson.M{
			"user_id": userID,
			"recovery_codes": bson.M{"$elemMatch": bson.M{
				"hash": hash[:],
				"used": false,
			}},
		},
		bson.M{"$set": bson.M{"recovery_codes.$.used": true}},
	)
	if err != nil {
		return false, fmt.Errorf("recovery code consume: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (p *Provider) updateOne(ctx context.Context, userID string, update bson.M) error {
	result, err := p.users.UpdateOne(ctx, bson.M{"user_id": userID}, update)
	if err != nil {
		return fmt.Errorf("user update: %w", err)
	}
	if result.MatchedCount == 0 {
		return castellan.ErrUserNotFound
	}
	return nil
}

func recordFromDocument(doc userDocument) castellan.UserRecord {
	record := castellan.UserRecord{
		UserID:           doc.UserID,
		Email:            doc.Email,
		Role:             castellan.ParseRole(doc.Role),
		Blocked:          doc.Blocked,
		TOTPSecret:       doc.TOTPSecret,
		TOTPEnabled:      doc.TOTPEnabled,
		EmailCodeEnabled: doc.EmailCodeEnabled,
		Credential: castellan.CredentialRecord{
			Hash:    doc.PasswordHash,
			History: doc.PasswordHistory,
		},
	}
	if doc.PasswordExpiresAt > 0 {
		record.Credential.ExpiresAt = time.Unix(doc.PasswordExpiresAt, 0)
	}
	return record
}
