package models

// Stats summarizes the local cache and outbox
type Stats struct {
	Records       int64
	DirtyRecords  int64
	PayloadSize   int64
	PendingCount  int64
	RetryingCount int64 // mutations with at least one failed attempt
	Checkpoint    string
}
