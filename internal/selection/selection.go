// Package selection decides which update is preferred, which one to launch and which ones to delete.
//
// Every function in this package is deterministic and side-effect free so
// callers can evaluate it speculatively.
package selection

import (
	"slices"
	"time"

	"github.com/lxc/updates-client/api"
)

// Policy is the pluggable selection policy.
type Policy interface {
	// ShouldLoadNewUpdate returns true if candidate is preferred over the launched update.
	ShouldLoadNewUpdate(candidate *api.UpdateRecord, launched *api.UpdateRecord, filters api.ManifestFilters) bool

	// ShouldLoadRollBackToEmbeddedDirective returns true if a rollback directive should be honored.
	ShouldLoadRollBackToEmbeddedDirective(directive api.UpdateDirective, embedded *api.UpdateRecord, launched *api.UpdateRecord, filters api.ManifestFilters) bool

	// SelectUpdateToLaunch picks the update to launch from the stored ones.
	SelectUpdateToLaunch(updates []api.UpdateRecord, filters api.ManifestFilters) *api.UpdateRecord

	// SelectUpdatesToDelete picks the stored updates that are no longer needed.
	SelectUpdatesToDelete(updates []api.UpdateRecord, launched *api.UpdateRecord, filters api.ManifestFilters) []api.UpdateRecord
}

// FilterAware is the default policy: newer commit time wins and manifest filters are hard constraints.
type FilterAware struct {
	RuntimeVersion string
}

// NewFilterAware returns the default policy for the given runtime version.
func NewFilterAware(runtimeVersion string) *FilterAware {
	return &FilterAware{RuntimeVersion: runtimeVersion}
}

// ShouldLoadNewUpdate returns true if candidate is preferred over the launched update.
func (*FilterAware) ShouldLoadNewUpdate(candidate *api.UpdateRecord, launched *api.UpdateRecord, filters api.ManifestFilters) bool {
	if candidate == nil {
		return false
	}

	// A candidate violating a filter is never selected.
	if !MatchesFilters(candidate, filters) {
		return false
	}

	if launched == nil {
		return true
	}

	// If the launched update no longer passes the filters, any passing candidate is better.
	if !MatchesFilters(launched, filters) {
		return true
	}

	return IsNewer(candidate.CommitTime, launched.CommitTime)
}

// ShouldLoadRollBackToEmbeddedDirective returns true if the embedded update exists, passes the
// filters and, carrying the directive's commit time, would be preferred over the launched update.
func (p *FilterAware) ShouldLoadRollBackToEmbeddedDirective(directive api.UpdateDirective, embedded *api.UpdateRecord, launched *api.UpdateRecord, filters api.ManifestFilters) bool {
	if embedded == nil {
		return false
	}

	rolledBack := *embedded
	rolledBack.CommitTime = directive.CommitTime

	return p.ShouldLoadNewUpdate(&rolledBack, launched, filters)
}

// SelectUpdateToLaunch returns the newest launchable update for the runtime version that passes the filters.
func (p *FilterAware) SelectUpdateToLaunch(updates []api.UpdateRecord, filters api.ManifestFilters) *api.UpdateRecord {
	var selected *api.UpdateRecord

	for i := range updates {
		update := &updates[i]

		if !update.Status.IsLaunchable() {
			continue
		}

		if p.RuntimeVersion != "" && update.RuntimeVersion != p.RuntimeVersion {
			continue
		}

		if !MatchesFilters(update, filters) {
			continue
		}

		if selected == nil || IsNewer(update.CommitTime, selected.CommitTime) {
			selected = update
		}
	}

	if selected == nil {
		return nil
	}

	result := *selected

	return &result
}

// SelectUpdatesToDelete returns the updates older than the launched one, keeping the newest of
// them that passes the filters so there is something to fall back to. Embedded updates are kept.
func (*FilterAware) SelectUpdatesToDelete(updates []api.UpdateRecord, launched *api.UpdateRecord, filters api.ManifestFilters) []api.UpdateRecord {
	if launched == nil {
		return nil
	}

	toDelete := []api.UpdateRecord{}

	var nextNewest *api.UpdateRecord

	for i := range updates {
		update := &updates[i]

		if update.ID == launched.ID || update.Status == api.UpdateStatusEmbedded {
			continue
		}

		if !update.CommitTime.Before(launched.CommitTime) {
			continue
		}

		toDelete = append(toDelete, *update)

		if MatchesFilters(update, filters) && (nextNewest == nil || IsNewer(update.CommitTime, nextNewest.CommitTime)) {
			nextNewest = update
		}
	}

	if nextNewest != nil {
		id := nextNewest.ID
		toDelete = slices.DeleteFunc(toDelete, func(u api.UpdateRecord) bool { return u.ID == id })
	}

	return toDelete
}

// MatchesFilters returns false if the update's metadata carries a filtered key with a different value.
// Keys missing from the metadata pass.
func MatchesFilters(update *api.UpdateRecord, filters api.ManifestFilters) bool {
	for key, expected := range filters {
		value, ok := update.Metadata[key]
		if !ok {
			continue
		}

		if value != expected {
			return false
		}
	}

	return true
}

// IsNewer returns true if a is strictly later than b.
func IsNewer(a time.Time, b time.Time) bool {
	return a.After(b)
}
