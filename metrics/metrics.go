package metrics

import "time"

// Event names recorded by the pipeline.
const (
	QuoteSuccess          = "quote_success"
	QuoteFailure          = "quote_failure"
	WatcherCandidate      = "watcher_candidate"
	WatcherFetchFailure   = "watcher_fetch_failure"
	WatcherResubscribe    = "watcher_resubscribe"
	AuditCommit           = "audit_commit"
	AuditCommitConflict   = "audit_commit_conflict"
	NotificationFailure   = "notification_failure"
	IntentRequested       = "intent_requested"
	IntentFinalized       = "intent_finalized"
	IntentExpired         = "intent_expired"
	CandidateUnmatched    = "candidate_unmatched"
	ValidationPrefix      = "validation_"
	OperationQuote        = "quote"
	OperationValidate     = "validate"
	OperationAuditCommit  = "audit_commit"
	OperationWatcherFetch = "watcher_fetch"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
