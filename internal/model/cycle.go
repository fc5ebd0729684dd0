package model

import "time"

// CycleStatus is the terminal (or current) status of a refresh cycle record.
type CycleStatus string

const (
	CycleStatusRunning   CycleStatus = "running"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusPaused    CycleStatus = "paused"
	CycleStatusFailed    CycleStatus = "failed"
	CycleStatusCancelled CycleStatus = "cancelled"
)

// CycleStats counts what happened to items during one cycle.
type CycleStats struct {
	Fetched     int `json:"fetched"`
	New         int `json:"new"`
	Duplicates  int `json:"duplicates"`
	Updates     int `json:"updates"`
	Malformed   int `json:"malformed"`
	Annotated   int `json:"annotated"`
	CacheHits   int `json:"cache_hits"`
	OracleCalls int `json:"oracle_calls"`
	Pending     int `json:"pending"`
	Persisted   int `json:"persisted"`
}

// Cycle is the audit record of one orchestrator pass.
type Cycle struct {
	ID             string            `json:"id"`
	Group          string            `json:"group"`
	Status         CycleStatus       `json:"status"`
	ChunkStart     int               `json:"chunk_start"`
	Entities       []string          `json:"entities"`
	Stats          CycleStats        `json:"stats"`
	ProviderErrors map[string]string `json:"provider_errors,omitempty"`
	RetryAfter     time.Duration     `json:"retry_after,omitempty"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}
