package storage

// Task lifecycle states. Stored lowercase; migration v2 rewrites the
// legacy "pending" value to "queued".
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is one unit of conversion work and the only persisted entity.
// Timestamps are fractional Unix seconds (REAL columns) so the store
// can compare them arithmetically inside SQL.
type Task struct {
	ID                string   `gorm:"primaryKey" json:"id"`
	OriginalFilename  string   `gorm:"column:original_filename;not null" json:"original_filename"`
	Status            string   `gorm:"not null" json:"status"`
	CreatedAt         float64  `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt         float64  `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
	Progress          int      `gorm:"default:0" json:"progress"`
	Message           string   `json:"message"`
	FileHash          string   `gorm:"column:file_hash" json:"file_hash"`
	ResultPath        string   `gorm:"column:result_path" json:"result_path"`
	S3URL             string   `gorm:"column:s3_url" json:"s3_url"`
	Downloaded        bool     `gorm:"default:false" json:"downloaded"`
	WorkerID          *string  `gorm:"column:worker_id" json:"worker_id,omitempty"`
	ProcessingStarted *float64 `gorm:"column:processing_started" json:"processing_started,omitempty"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// Claimed reports whether the task currently carries a worker claim.
func (t *Task) Claimed() bool {
	return t.Status == StatusProcessing && t.WorkerID != nil && t.ProcessingStarted != nil
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// QueueStats is the aggregate view returned by Stats. Everything is
// computed in a single query so the numbers are a consistent snapshot.
type QueueStats struct {
	Total              int64   `json:"total"`
	Queued             int64   `json:"queued"`
	Processing         int64   `json:"processing"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	ActiveWorkers      int64   `json:"active_workers"`
	CompletedLastHour  int64   `json:"completed_last_hour"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// CleanupEntry pairs a deleted task id with the artifact path the
// caller still has to unlink.
type CleanupEntry struct {
	ID         string
	ResultPath string
}
