package state

import "time"

type JobRecord struct {
	ID                   string
	Architecture         string
	Toolchain            string
	Priority             string
	State                string
	ResourceID           string
	PayloadRef           string
	ConcurrencySensitive bool
	Trials               int
	RetryCount           int
	FailReason           string
	LogURI               string
	SubmittedAt          time.Time
	UpdatedAt            time.Time
}

type EvidenceRecord struct {
	Signature string `json:"signature"`
	Excerpt   string `json:"excerpt"`
	Offset    int    `json:"offset"`
}

type FaultReportRecord struct {
	JobID           string           `json:"job_id"`
	Kind            string           `json:"kind"`
	Severity        string           `json:"severity"`
	Evidence        []EvidenceRecord `json:"evidence"`
	Reproducibility float64          `json:"reproducibility,omitempty"`
	Outcome         string           `json:"outcome,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

type TrialRecord struct {
	ID        string
	JobID     string
	Seed      int64
	Kind      string
	Severity  string
	Signature string
	CreatedAt time.Time
}

type JobFilter struct {
	State    string
	Priority string
	Limit    int
}
