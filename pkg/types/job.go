package types

type SyncJob struct {
	JobID          string    `json:"job_id" db:"job_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Status         JobStatus `json:"status" db:"status"`
	ForceFull      bool      `json:"force_full" db:"force_full"`
	StartedAt      int64     `json:"started_at" db:"started_at"`
	FinishedAt     int64     `json:"finished_at" db:"finished_at"`
	TotalItems     int64     `json:"total_items" db:"total_items"` // 0 when the connector cannot tell
	ItemsProcessed int64     `json:"items_processed" db:"items_processed"`
	ItemsUnchanged int64     `json:"items_unchanged" db:"items_unchanged"`
	ItemsFailed    int64     `json:"items_failed" db:"items_failed"`
	ItemsDeleted   int64     `json:"items_deleted" db:"items_deleted"`
	ChunksIndexed  int64     `json:"chunks_indexed" db:"chunks_indexed"`
	Error          string    `json:"error,omitempty" db:"error"`
	ErrorKind      string    `json:"error_kind,omitempty" db:"error_kind"`
}
