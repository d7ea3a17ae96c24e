package state

import (
	"context"
)

type Store interface {
	CreateJob(ctx context.Context, job JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, bool, error)
	UpdateJob(ctx context.Context, job JobRecord) error
	// UpdateJobIf persists job only while its stored state is one of expect,
	// returning false when a concurrent transition won the race. Terminal
	// states stay immutable as long as every state change goes through it.
	UpdateJobIf(ctx context.Context, job JobRecord, expect ...string) (bool, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error)
	ListNonTerminalJobs(ctx context.Context) ([]JobRecord, error)
	AppendJobLog(ctx context.Context, jobID, chunk string) error
	GetJobLog(ctx context.Context, jobID string) (string, error)
	SaveFaultReport(ctx context.Context, report FaultReportRecord) error
	GetFaultReport(ctx context.Context, jobID string) (FaultReportRecord, bool, error)
	SaveTrial(ctx context.Context, trial TrialRecord) error
	ListTrialsByJob(ctx context.Context, jobID string) ([]TrialRecord, error)
}
