package models

import "time"

// SyncState is the state of the sync engine.
type SyncState string

const (
	StateIdle     SyncState = "idle"
	StateChecking SyncState = "checking"
	StateSyncing  SyncState = "syncing"
	StateError    SyncState = "error"
)

// Coarse is the status shown by the sync indicator.
type Coarse string

const (
	CoarseOffline Coarse = "offline"
	CoarseSyncing Coarse = "syncing"
	CoarseSynced  Coarse = "synced"
	CoarseError   Coarse = "error"
)

// Status is the derived, process-wide sync status. It is never persisted.
type Status struct {
	State    SyncState
	Coarse   Coarse
	Reason   string
	Online   bool
	LastSync time.Time
	Pending  int
}

// Trigger names what woke the sync engine.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerTimer        Trigger = "timer"
	TriggerManual       Trigger = "manual"
	TriggerRetry        Trigger = "retry"
)
