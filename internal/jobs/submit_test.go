package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
)

func testPartition() *model.Partition {
	return &model.Partition{
		Name:        "P",
		MaxTime:     60,
		MaxNodes:    -1,
		MaxCPUs:     -1,
		StateUp:     true,
		AllowGroups: []string{"staff"},
	}
}

// Scenario 2: user not in AllowGroups must be rejected with
// JOB_MISSING_REQUIRED_PARTITION_GROUP, and no Job record or txn row may be
// created as a side effect.
func TestValidateSubmissionRejectsGroupNotAllowed(t *testing.T) {
	p := testPartition()
	err := ValidateSubmission(p, true, SubmitRequest{UserGroups: []string{"guests"}})
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeGroupDenied))

	tbl := NewTable(1, nil)
	if err == nil {
		_, subErr := tbl.Submit(&model.Job{}, time.Now())
		require.NoError(t, subErr)
	}
	assert.Empty(t, tbl.All(), "no job record may be created when validation fails")
}

func TestValidateSubmissionAllowsMatchingGroup(t *testing.T) {
	p := testPartition()
	err := ValidateSubmission(p, true, SubmitRequest{UserGroups: []string{"staff"}, TimeLimitMinutes: 30})
	assert.NoError(t, err)
}

func TestValidateSubmissionRejectsUnknownPartition(t *testing.T) {
	err := ValidateSubmission(nil, false, SubmitRequest{})
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeInvalidPartition))
}

func TestValidateSubmissionRejectsDownPartition(t *testing.T) {
	p := testPartition()
	p.StateUp = false
	err := ValidateSubmission(p, true, SubmitRequest{UserGroups: []string{"staff"}})
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeInvalidPartition))
}

func TestValidateSubmissionRejectsOverTimeLimit(t *testing.T) {
	p := testPartition()
	err := ValidateSubmission(p, true, SubmitRequest{UserGroups: []string{"staff"}, TimeLimitMinutes: 120})
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeInvalidTimeLimit))
}
