package fiscal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		cStat int
		want  Verdict
	}{
		{105, VerdictStillProcessing},
		{100, VerdictAuthorized},
		{104, VerdictAuthorized},
		{150, VerdictAuthorized},
		{110, VerdictDenied},
		{301, VerdictRejected},
		{204, VerdictRejected},
		{539, VerdictRejected},
		{217, VerdictRejected},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStatus(tt.cStat), "cStat=%d", tt.cStat)
	}
}

func TestEmissionStatusForVerdict(t *testing.T) {
	tests := []struct {
		verdict  Verdict
		want     EmissionStatus
		terminal bool
	}{
		{VerdictAuthorized, EmissionStatusAuthorized, true},
		{VerdictDenied, EmissionStatusDenied, true},
		{VerdictRejected, EmissionStatusRejected, true},
		{VerdictStillProcessing, "", false},
	}

	for _, tt := range tests {
		status, ok := EmissionStatusForVerdict(tt.verdict)
		assert.Equal(t, tt.terminal, ok)
		assert.Equal(t, tt.want, status)
	}
}

func TestIsEventAccepted(t *testing.T) {
	assert.True(t, IsEventAccepted(101))
	assert.True(t, IsEventAccepted(135))
	assert.False(t, IsEventAccepted(100))
	assert.False(t, IsEventAccepted(155))
	assert.False(t, IsEventAccepted(220))
}
