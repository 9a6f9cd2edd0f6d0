package biogate

import (
	"context"
	"errors"
	"fmt"

	"southwinds.dev/biogate/audit"
	"southwinds.dev/biogate/keystore"
)

// Service wires a key store, the user preferences, auditing and metrics, and
// hands out one Gate per authorization attempt.
//
// Example usage:
//
//	svc, err := biogate.NewService(store, biogate.NewViperPreferences(nil), biogate.DefaultOptions(), logger, nil)
//	gate, err := svc.NewAttempt(ctx, listener)
//	_ = gate.RegisterCompletion(func(o biogate.Outcome) { purchase(o) })
//	stage, err := gate.BeginAuthorization(ctx)
type Service struct {
	vault   *KeyVault
	prefs   PreferenceStore
	options Options
}

// NewService creates a Service. A nil auditLogger disables auditing and nil
// metrics record nothing.
func NewService(store keystore.Store, prefs PreferenceStore, options Options, auditLogger audit.Logger, metrics *Metrics) (*Service, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if prefs == nil {
		return nil, errors.New("preference store is required")
	}

	vault, err := NewKeyVault(store, auditLogger, metrics, options.UserID)
	if err != nil {
		return nil, err
	}

	return &Service{vault: vault, prefs: prefs, options: options}, nil
}

// Vault returns the key vault shared by all attempts
func (s *Service) Vault() *KeyVault {
	return s.vault
}

func (s *Service) Options() Options {
	return s.options
}

// NewAttempt ensures the configured key exists and returns a fresh Idle gate
// bound to it. Provisioning failures are returned as ErrKeyProvisioning.
func (s *Service) NewAttempt(ctx context.Context, listener StageListener) (*Gate, error) {
	key, err := s.vault.EnsureKey(ctx, s.options.KeyName,
		WithInvalidationOnEnrollment(s.options.InvalidateOnEnrollmentChange))
	if err != nil {
		return nil, err
	}
	return NewGate(s.vault, key, s.prefs, s.options, listener)
}

// Authorize is NewAttempt, RegisterCompletion and BeginAuthorization in one
// call. The gate is returned even when BeginAuthorization fails so its state
// can be inspected.
func (s *Service) Authorize(ctx context.Context, listener StageListener, completion func(Outcome)) (*Gate, Stage, error) {
	gate, err := s.NewAttempt(ctx, listener)
	if err != nil {
		return nil, StageNone, err
	}
	if err = gate.RegisterCompletion(completion); err != nil {
		return gate, StageNone, err
	}
	stage, err := gate.BeginAuthorization(ctx)
	return gate, stage, err
}
