package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/entitlement"
)

func TestBuildRecord(t *testing.T) {
	rec, err := buildRecord(" actor-1 ", "Pro", "cancelled", "2026-03-01T00:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "actor-1", rec.ActorID)
	assert.Equal(t, entitlement.TierPro, rec.Tier)
	assert.Equal(t, entitlement.StatusCanceled, rec.Status)
	require.NotNil(t, rec.TrialEnd)
	assert.True(t, rec.TrialEnd.Equal(time.Date(2026, 2, 28, 22, 0, 0, 0, time.UTC)))

	rec, err = buildRecord("actor-1", "", "", "")
	require.NoError(t, err)
	assert.Empty(t, rec.Tier)
	assert.Empty(t, rec.Status)
	assert.Nil(t, rec.TrialEnd)
}

func TestBuildRecordRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		actorID  string
		tier     string
		status   string
		trialEnd string
	}{
		{name: "missing actor", actorID: " "},
		{name: "unknown tier", actorID: "a", tier: "gold"},
		{name: "unknown status", actorID: "a", status: "incomplete"},
		{name: "bad trial end", actorID: "a", trialEnd: "tomorrow"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildRecord(tc.actorID, tc.tier, tc.status, tc.trialEnd)
			assert.Error(t, err)
		})
	}
}
