package api

import (
	"encoding/json"
	"time"
)

// UpdatesStateValue represents the externally visible state of the updates state machine.
type UpdatesStateValue string

const (
	// UpdatesStateIdle is the resting state, ready for the next check, download or restart.
	UpdatesStateIdle UpdatesStateValue = "idle"

	// UpdatesStateChecking is used while a manifest or directive is being requested.
	UpdatesStateChecking UpdatesStateValue = "checking"

	// UpdatesStateDownloading is used while an update is being downloaded.
	UpdatesStateDownloading UpdatesStateValue = "downloading"

	// UpdatesStateRestarting is used once a relaunch was requested. Only a reset leaves it.
	UpdatesStateRestarting UpdatesStateValue = "restarting"
)

// UpdatesStateValues is a map of the valid state values.
var UpdatesStateValues = map[UpdatesStateValue]struct{}{
	UpdatesStateIdle:        {},
	UpdatesStateChecking:    {},
	UpdatesStateDownloading: {},
	UpdatesStateRestarting:  {},
}

// StateEventType represents the type of an event processed by the state machine.
type StateEventType string

const (
	// StateEventStartStartup marks the beginning of the startup procedure.
	StateEventStartStartup StateEventType = "startStartup"

	// StateEventEndStartup marks the point where a local launch result is available.
	StateEventEndStartup StateEventType = "endStartup"

	// StateEventCheck starts an update check.
	StateEventCheck StateEventType = "check"

	// StateEventCheckCompleteUnavailable completes a check that found nothing to load.
	StateEventCheckCompleteUnavailable StateEventType = "checkCompleteUnavailable"

	// StateEventCheckCompleteWithUpdate completes a check that found a new manifest.
	StateEventCheckCompleteWithUpdate StateEventType = "checkCompleteAvailable"

	// StateEventCheckCompleteWithRollback completes a check that found a rollback directive.
	StateEventCheckCompleteWithRollback StateEventType = "checkCompleteWithRollback"

	// StateEventCheckError completes a check that failed.
	StateEventCheckError StateEventType = "checkError"

	// StateEventDownload starts an update download.
	StateEventDownload StateEventType = "download"

	// StateEventDownloadComplete completes a download that produced no new update.
	StateEventDownloadComplete StateEventType = "downloadComplete"

	// StateEventDownloadCompleteWithUpdate completes a download that stored a new update.
	StateEventDownloadCompleteWithUpdate StateEventType = "downloadCompleteWithUpdate"

	// StateEventDownloadCompleteWithRollback completes a download that applied a rollback directive.
	StateEventDownloadCompleteWithRollback StateEventType = "downloadCompleteWithRollback"

	// StateEventDownloadError completes a download that failed.
	StateEventDownloadError StateEventType = "downloadError"

	// StateEventRestart starts a relaunch of the host.
	StateEventRestart StateEventType = "restart"

	// StateEventReset is broadcast when the machine is forced back to idle.
	StateEventReset StateEventType = "reset"
)

// StateEvent is an event submitted to the state machine, along with its payload.
type StateEvent struct {
	Type StateEventType `json:"type" yaml:"type"`

	// Manifest is set for CheckCompleteWithUpdate and DownloadCompleteWithUpdate.
	Manifest json.RawMessage `json:"manifest,omitempty" yaml:"manifest,omitempty"`

	// CommitTime is set for CheckCompleteWithRollback and DownloadCompleteWithRollback.
	CommitTime time.Time `json:"commit_time,omitzero" yaml:"commit_time,omitempty"`

	// Message is set for CheckError and DownloadError.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// RollbackInfo describes a rollback directive that was accepted.
type RollbackInfo struct {
	CommitTime time.Time `json:"commit_time" yaml:"commit_time"`
}

// ErrorInfo describes the last check or download error.
type ErrorInfo struct {
	Message string `json:"message" yaml:"message"`
}

// UpdatesStateContext is the full externally visible state snapshot.
type UpdatesStateContext struct {
	IsStartupProcedureRunning bool `json:"is_startup_procedure_running" yaml:"is_startup_procedure_running"`
	IsUpdateAvailable         bool `json:"is_update_available"          yaml:"is_update_available"`
	IsUpdatePending           bool `json:"is_update_pending"            yaml:"is_update_pending"`
	IsChecking                bool `json:"is_checking"                  yaml:"is_checking"`
	IsDownloading             bool `json:"is_downloading"               yaml:"is_downloading"`
	IsRestarting              bool `json:"is_restarting"                yaml:"is_restarting"`

	RestartCount int `json:"restart_count" yaml:"restart_count"`

	LatestManifest     json.RawMessage `json:"latest_manifest,omitempty"     yaml:"latest_manifest,omitempty"`
	DownloadedManifest json.RawMessage `json:"downloaded_manifest,omitempty" yaml:"downloaded_manifest,omitempty"`

	Rollback      *RollbackInfo `json:"rollback,omitempty"       yaml:"rollback,omitempty"`
	CheckError    *ErrorInfo    `json:"check_error,omitempty"    yaml:"check_error,omitempty"`
	DownloadError *ErrorInfo    `json:"download_error,omitempty" yaml:"download_error,omitempty"`

	LastCheckForUpdateTime *time.Time `json:"last_check_for_update_time,omitempty" yaml:"last_check_for_update_time,omitempty"`

	SequenceNumber int `json:"sequence_number" yaml:"sequence_number"`
}

// StateChangeEvent is broadcast to listeners after every state machine transition.
type StateChangeEvent struct {
	Type    StateEventType      `json:"type"    yaml:"type"`
	State   UpdatesStateValue   `json:"state"   yaml:"state"`
	Context UpdatesStateContext `json:"context" yaml:"context"`
}
