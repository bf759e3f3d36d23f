package fiscal

// Remote status codes (cStat) with fixed protocol meaning
const (
	StatusAuthorized        = 100
	StatusOutOfDeadline     = 150
	StatusBatchProcessed    = 104
	StatusStillProcessing   = 105
	StatusCancelHomologated = 101
	StatusEventRegistered   = 135
	StatusEventOutOfOrder   = 155
)

// Verdict classifies a remote status code into the action the lifecycle
// takes on it
type Verdict int

const (
	// VerdictStillProcessing means the service has not decided yet; poll again
	VerdictStillProcessing Verdict = iota
	// VerdictAuthorized is a terminal acceptance
	VerdictAuthorized
	// VerdictDenied is a terminal denial by the authority
	VerdictDenied
	// VerdictRejected means the request itself was malformed; not retried
	VerdictRejected
)

// ClassifyStatus maps an authorization-query cStat onto a verdict.
// 105 means still processing; 100/104/150 mean authorized; the rest of the
// 1xx family is a denial; anything else is a rejection of the request.
func ClassifyStatus(cStat int) Verdict {
	switch cStat {
	case StatusStillProcessing:
		return VerdictStillProcessing
	case StatusAuthorized, StatusBatchProcessed, StatusOutOfDeadline:
		return VerdictAuthorized
	}
	if cStat >= 100 && cStat < 200 {
		return VerdictDenied
	}
	return VerdictRejected
}

// EmissionStatusForVerdict maps a terminal verdict to the emission status it
// produces. VerdictStillProcessing has no terminal status.
func EmissionStatusForVerdict(v Verdict) (EmissionStatus, bool) {
	switch v {
	case VerdictAuthorized:
		return EmissionStatusAuthorized, true
	case VerdictDenied:
		return EmissionStatusDenied, true
	case VerdictRejected:
		return EmissionStatusRejected, true
	}
	return "", false
}

// IsEventAccepted reports whether an event submission (cancellation or
// correction letter) was registered by the authority
func IsEventAccepted(cStat int) bool {
	return cStat == StatusCancelHomologated || cStat == StatusEventRegistered
}
