package ctlerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryAssignment(t *testing.T) {
	assert.Equal(t, CategoryCommunication, New(CodeCommunicationsBackoff).Category())
	assert.Equal(t, CategorySubmission, New(CodeBadTaskCount).Category())
	assert.Equal(t, CategoryScheduling, New(CodeQOSPreemptionLoop).Category())
	assert.Equal(t, CategoryLifecycle, New(CodeJobNotPending).Category())
	assert.Equal(t, CategoryCredential, New(CodeCredReplayed).Category())
	assert.Equal(t, CategoryDatabase, New(CodeDBOneChangeAtATime).Category())
}

func TestWrapAndIs(t *testing.T) {
	cause := fmt.Errorf("boltdb: timeout")
	err := Wrap(CodeDBConnection, cause)
	assert.True(t, Is(err, CodeDBConnection))
	assert.False(t, Is(err, CodeDBResultTooLarge))
	assert.ErrorIs(t, err, cause)
}

func TestMessagesArePresent(t *testing.T) {
	for c := CodeConnectionFailed; c <= CodeDBConnectionInvalid; c++ {
		assert.NotEmpty(t, messages[c], "code %d missing message", c)
	}
}
