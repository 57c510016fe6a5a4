package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldSet(t *testing.T) {
	var s FieldSet
	assert.Equal(t, 0, s.Count())
	assert.Empty(t, s.Names())

	s |= FieldAssets | FieldState
	assert.True(t, s.Has(FieldAssets))
	assert.False(t, s.Has(FieldParticipants))
	assert.False(t, s.Has(FieldAssets|FieldParticipants))
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, []string{"state", "total_assets"}, s.Names())
	assert.Equal(t, "state,total_assets", s.String())
}

func TestPlan_PlanTypeCodes(t *testing.T) {
	tests := []struct {
		code string
		want []string
	}{
		{"", nil},
		{"2J", []string{"2J"}},
		{"2E2J3D", []string{"2E", "2J", "3D"}},
		{"2E 2J", []string{"2E", "2J"}},
		{"2E2", []string{"2E", "2"}},
	}
	for _, tt := range tests {
		p := Plan{PlanTypeCode: tt.code}
		assert.Equal(t, tt.want, p.PlanTypeCodes(), tt.code)
	}
}

func TestStage_Active(t *testing.T) {
	assert.True(t, StageFetching.Active())
	assert.True(t, StageParsing.Active())
	assert.True(t, StageWriting.Active())
	assert.False(t, StageIdle.Active())
	assert.False(t, StageCompleted.Active())
	assert.False(t, StageFailed.Active())
}
