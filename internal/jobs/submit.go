package jobs

import (
	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
)

// SubmitRequest is the caller-supplied half of submission-time validation;
// the partition itself is looked up and passed in separately since it lives
// in internal/partitions, one layer the jobs package does not import.
type SubmitRequest struct {
	UserGroups       []string
	Constraints      model.Constraints
	TimeLimitMinutes int
}

// ValidateSubmission runs the submission-time chain against partition p:
// partition exists and is up, group membership, and time/node/cpu caps.
// Required features are not checked here; the only feature check is the
// selector's per-node filter in CandidateSet. It mutates
// nothing — callers must not create a Job record or accounting txn row
// when it returns an error (job_allocate scenario 2).
func ValidateSubmission(p *model.Partition, partitionConfigured bool, req SubmitRequest) error {
	if p == nil || !partitionConfigured {
		return ctlerrors.New(ctlerrors.CodeInvalidPartition)
	}
	if !p.StateUp {
		return ctlerrors.New(ctlerrors.CodeInvalidPartition)
	}
	if len(p.AllowGroups) > 0 && !groupAllowed(p.AllowGroups, req.UserGroups) {
		return ctlerrors.New(ctlerrors.CodeGroupDenied)
	}
	if p.MaxTime != -1 && req.TimeLimitMinutes > p.MaxTime {
		return ctlerrors.New(ctlerrors.CodeInvalidTimeLimit)
	}
	if p.MaxNodes != -1 && req.Constraints.MinNodes > p.MaxNodes {
		return ctlerrors.New(ctlerrors.CodeTooManyNodes)
	}
	if p.MaxCPUs != -1 && req.Constraints.MinProcs > p.MaxCPUs {
		return ctlerrors.New(ctlerrors.CodeTooManyCPUs)
	}
	return nil
}

// groupAllowed reports whether at least one of userGroups appears in
// allowGroups.
func groupAllowed(allowGroups, userGroups []string) bool {
	allowed := make(map[string]struct{}, len(allowGroups))
	for _, g := range allowGroups {
		allowed[g] = struct{}{}
	}
	for _, g := range userGroups {
		if _, ok := allowed[g]; ok {
			return true
		}
	}
	return false
}
