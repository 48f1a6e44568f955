package plugins

import (
	"context"
)

// Outcome is the result tag of an install attempt.
type Outcome string

const (
	// OutcomeInstalled means the plugin is live under its key.
	OutcomeInstalled Outcome = "installed"
	// OutcomeNeedsConfirmation means nothing changed and the caller must retry with force.
	OutcomeNeedsConfirmation Outcome = "needs_confirmation"
)

// CodeNeedsConfirmation is the result code reported for a confirmation outcome.
const CodeNeedsConfirmation = 1

// ConfirmationReason says why an install needs confirmation.
type ConfirmationReason string

const (
	ReasonHookConflict ConfirmationReason = "hook_conflict"
	ReasonKeyExists    ConfirmationReason = "key_exists"
)

// Confirmation is returned instead of installing when a forced install is required.
type Confirmation struct {
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Reason  ConfirmationReason `json:"reason"`
}

// InstallResult is the outcome of Manager.Install. Failures are reported through the
// returned error instead.
type InstallResult struct {
	Outcome      Outcome       `json:"outcome"`
	Manifest     *Manifest     `json:"manifest"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
}

// Installed reports whether the plugin went live.
func (r *InstallResult) Installed() bool {
	return r != nil && r.Outcome == OutcomeInstalled
}

func installed(m *Manifest) *InstallResult {
	return &InstallResult{Outcome: OutcomeInstalled, Manifest: m}
}

func needsConfirmation(m *Manifest, reason ConfirmationReason, msg string) *InstallResult {
	return &InstallResult{
		Outcome:  OutcomeNeedsConfirmation,
		Manifest: m,
		Confirmation: &Confirmation{
			Code:    CodeNeedsConfirmation,
			Message: msg,
			Reason:  reason,
		},
	}
}

// PluginRecord is the persisted view of an installed plugin used for hook resolution.
type PluginRecord struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Hook string `json:"hook,omitempty"`
}

// HookResolver answers which active plugin currently claims a hook.
type HookResolver interface {
	// LookupActiveByHook returns the active record for hook, or nil when none claims it.
	LookupActiveByHook(ctx context.Context, hook string) (*PluginRecord, error)
}

// HookResolverFunc adapts a function to HookResolver.
type HookResolverFunc func(ctx context.Context, hook string) (*PluginRecord, error)

// LookupActiveByHook calls f.
func (f HookResolverFunc) LookupActiveByHook(ctx context.Context, hook string) (*PluginRecord, error) {
	return f(ctx, hook)
}
