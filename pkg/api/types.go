package api

type SubmitJobRequest struct {
	Architecture         string `json:"architecture"`
	Toolchain            string `json:"toolchain"`
	Priority             string `json:"priority"`
	PayloadRef           string `json:"payload_ref"`
	ConcurrencySensitive bool   `json:"concurrency_sensitive,omitempty"`
	Trials               int    `json:"trials,omitempty"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

type JobStatusResponse struct {
	JobID        string `json:"job_id"`
	State        string `json:"state"`
	Priority     string `json:"priority"`
	Architecture string `json:"architecture"`
	Toolchain    string `json:"toolchain"`
	ResourceID   string `json:"resource_id,omitempty"`
	RetryCount   int    `json:"retry_count"`
	FailReason   string `json:"fail_reason,omitempty"`
	LogURI       string `json:"log_uri,omitempty"`
	SubmittedAt  string `json:"submitted_at"`
	UpdatedAt    string `json:"updated_at"`
}

type ListJobsResponse struct {
	Jobs []JobStatusResponse `json:"jobs"`
}

type JobLogsResponse struct {
	JobID string `json:"job_id"`
	Log   string `json:"log"`
}

type Evidence struct {
	Signature string `json:"signature"`
	Excerpt   string `json:"excerpt"`
	Offset    int    `json:"offset"`
}

type FaultReportResponse struct {
	JobID           string     `json:"job_id"`
	Kind            string     `json:"kind"`
	Severity        string     `json:"severity"`
	Evidence        []Evidence `json:"evidence"`
	Reproducibility float64    `json:"reproducibility,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	CreatedAt       string     `json:"created_at"`
}

type QueueEntryView struct {
	JobID            string `json:"job_id"`
	Priority         string `json:"priority"`
	Architecture     string `json:"architecture"`
	Toolchain        string `json:"toolchain"`
	Position         int    `json:"position"`
	EstimatedWaitSec int    `json:"estimated_wait_seconds"`
	EnqueuedAt       string `json:"enqueued_at"`
}

type ListQueueResponse struct {
	Depth   int              `json:"depth"`
	Entries []QueueEntryView `json:"entries"`
}

type CancelJobResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

type RegisterResourceRequest struct {
	ResourceID    string   `json:"resource_id"`
	Kind          string   `json:"kind"`
	Architectures []string `json:"architectures"`
	Toolchains    []string `json:"toolchains"`
	Slots         int      `json:"slots"`
	Address       string   `json:"address,omitempty"`
}

type RegisterResourceResponse struct {
	Accepted                 bool `json:"accepted"`
	HeartbeatIntervalSeconds int  `json:"heartbeat_interval_seconds"`
}

type DeregisterResourceResponse struct {
	Removed    bool     `json:"removed"`
	FailedJobs []string `json:"failed_jobs,omitempty"`
}

type MaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

type HeartbeatRequest struct {
	CPUUtil       float64 `json:"cpu_utilization"`
	MemoryUtil    float64 `json:"memory_utilization"`
	StorageUtil   float64 `json:"storage_utilization"`
	TimestampUnix int64   `json:"timestamp_unix"`
}

type HeartbeatResponse struct {
	Accepted bool `json:"accepted"`
}

type ResourceView struct {
	ResourceID    string   `json:"resource_id"`
	Kind          string   `json:"kind"`
	Architectures []string `json:"architectures"`
	Toolchains    []string `json:"toolchains"`
	Slots         int      `json:"slots"`
	Occupied      int      `json:"occupied"`
	Health        string   `json:"health"`
	CPUUtil       float64  `json:"cpu_utilization"`
	MemoryUtil    float64  `json:"memory_utilization"`
	StorageUtil   float64  `json:"storage_utilization"`
	LastHeartbeat string   `json:"last_heartbeat"`
}

type ListResourcesResponse struct {
	Resources []ResourceView `json:"resources"`
}

type TrialView struct {
	TrialID  string `json:"trial_id"`
	Seed     int64  `json:"seed"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
}

type ConcurrencyRunResponse struct {
	JobID           string      `json:"job_id"`
	Outcome         string      `json:"outcome"`
	Reproducibility float64     `json:"reproducibility"`
	Trials          []TrialView `json:"trials"`
}
