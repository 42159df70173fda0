package procedures

import (
	"context"
	"time"

	"github.com/lxc/updates-client/api"
)

// CheckResultKind represents the outcome of an update check.
type CheckResultKind string

const (
	// CheckResultUpdateAvailable is used when the server offered an update the policy accepts.
	CheckResultUpdateAvailable CheckResultKind = "updateAvailable"

	// CheckResultNoUpdateAvailable is used when there is nothing to load, see the reason.
	CheckResultNoUpdateAvailable CheckResultKind = "noUpdateAvailable"

	// CheckResultRollBackToEmbedded is used when an accepted rollback directive was received.
	CheckResultRollBackToEmbedded CheckResultKind = "rollBackToEmbedded"

	// CheckResultError is used when the server couldn't be reached or understood.
	CheckResultError CheckResultKind = "error"
)

// CheckResult is the outcome of a CheckForUpdate procedure.
type CheckResult struct {
	Kind       CheckResultKind
	Manifest   *api.Manifest
	Reason     api.NoUpdateAvailableReason
	CommitTime time.Time
	Err        error
}

// CheckForUpdate asks the server for a manifest or directive without downloading assets or
// touching stored updates.
type CheckForUpdate struct {
	env    *Environment
	result CheckResult
}

// NewCheckForUpdate returns a CheckForUpdate procedure.
func NewCheckForUpdate(env *Environment) *CheckForUpdate {
	return &CheckForUpdate{env: env}
}

// Name returns the procedure name.
func (*CheckForUpdate) Name() string {
	return "check-for-update"
}

// Result returns the outcome once the procedure has run.
func (p *CheckForUpdate) Result() CheckResult {
	return p.result
}

// Run performs the check.
func (p *CheckForUpdate) Run(ctx context.Context, pctx Context) error {
	err := pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventCheck})
	if err != nil {
		return err
	}

	resp, err := p.env.downloadManifest(ctx)
	if err != nil {
		return p.fail(ctx, pctx, err, isStorageError(err))
	}

	state, err := p.env.loadRemoteState(ctx, resp)
	if err != nil {
		return p.fail(ctx, pctx, err, true)
	}

	p.result = p.classify(resp, state)

	switch p.result.Kind {
	case CheckResultUpdateAvailable:
		return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventCheckCompleteWithUpdate, Manifest: p.result.Manifest.Body()})
	case CheckResultRollBackToEmbedded:
		return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventCheckCompleteWithRollback, CommitTime: p.result.CommitTime})
	default:
		return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventCheckCompleteUnavailable})
	}
}

func (p *CheckForUpdate) classify(resp *api.UpdateResponse, state *remoteState) CheckResult {
	launched := p.env.Launch.LaunchedUpdate()

	if resp.Directive != nil {
		if resp.Directive.Type != api.UpdateDirectiveRollBackToEmbedded {
			return noUpdate(api.NoUpdateAvailableOnServer)
		}

		if state.embedded == nil {
			return noUpdate(api.NoUpdateRollbackNoEmbedded)
		}

		if !p.env.Policy.ShouldLoadRollBackToEmbeddedDirective(*resp.Directive, state.embedded, launched, state.filters) {
			return noUpdate(api.NoUpdateRejectedBySelectionPolicy)
		}

		return CheckResult{Kind: CheckResultRollBackToEmbedded, CommitTime: resp.Directive.CommitTime}
	}

	candidate := resp.Manifest.UpdateRecord(p.env.scopeKey())
	available := CheckResult{Kind: CheckResultUpdateAvailable, Manifest: resp.Manifest}

	// With nothing launched there is nothing to compare against, so a previously failed
	// update is still reported as available.
	if launched == nil {
		if p.env.Policy.ShouldLoadNewUpdate(&candidate, nil, state.filters) {
			return available
		}

		return noUpdate(api.NoUpdateRejectedBySelectionPolicy)
	}

	if state.previouslyFailed() {
		return noUpdate(api.NoUpdatePreviouslyFailed)
	}

	if !p.env.Policy.ShouldLoadNewUpdate(&candidate, launched, state.filters) {
		return noUpdate(api.NoUpdateRejectedBySelectionPolicy)
	}

	return available
}

// fail reports a check error. Storage errors are also returned to the caller.
func (p *CheckForUpdate) fail(ctx context.Context, pctx Context, err error, storage bool) error {
	p.result = CheckResult{Kind: CheckResultError, Err: err}

	eventErr := pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventCheckError, Message: err.Error()})

	if storage {
		return err
	}

	return eventErr
}

func noUpdate(reason api.NoUpdateAvailableReason) CheckResult {
	return CheckResult{Kind: CheckResultNoUpdateAvailable, Reason: reason}
}
