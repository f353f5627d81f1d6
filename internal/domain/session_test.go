package domain

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStages = []Stage{StageIdle, StageGathering, StageConfirming, StageExecuting, StageCompleted}

var allEvents = []Event{EventStart, EventReady, EventConfirm, EventReopen, EventComplete, EventFail, EventCancel}

func TestTransitionIllegalPairsLeaveStageUnchanged(t *testing.T) {
	for _, stage := range allStages {
		for _, event := range allEvents {
			s := NewSessionState("t1", "s1")
			s.Stage = stage
			ok := s.Transition(event)
			if CanTransition(stage, event) {
				assert.True(t, ok, "%s/%s should be legal", stage, event)
				assert.Equal(t, transitions[stageEvent{stage, event}], s.Stage)
				continue
			}
			assert.False(t, ok, "%s/%s should be illegal", stage, event)
			assert.Equal(t, stage, s.Stage, "stage changed on illegal %s/%s", stage, event)
		}
	}
}

func TestTransitionCancelFromEveryActiveStage(t *testing.T) {
	for _, stage := range []Stage{StageGathering, StageConfirming, StageExecuting, StageCompleted} {
		s := NewSessionState("t1", "s1")
		s.Stage = stage
		require.True(t, s.Transition(EventCancel), stage)
		assert.Equal(t, StageIdle, s.Stage)
	}
}

func TestStartTaskWithNothingMissingConfirms(t *testing.T) {
	s := NewSessionState("t1", "s1")
	s.StartTask("social_post", "post o kawie", map[string]any{"topic": "kawa"}, nil, nil)
	assert.Equal(t, StageConfirming, s.Stage)
	assert.Equal(t, "kawa", s.GatheredParams["topic"])
}

func TestStartTaskDropsGatheredKeysFromMissing(t *testing.T) {
	s := NewSessionState("t1", "s1")
	s.StartTask("social_post", "post o kawie",
		map[string]any{"topic": "kawa", "tone": "zabawny"},
		[]string{"topic"},
		[]string{"platform", "tone", "audience", "platform"},
	)
	assert.Equal(t, StageGathering, s.Stage)
	assert.Empty(t, s.MissingRequired)
	assert.Equal(t, []string{"platform", "audience"}, s.MissingRecommended)
}

func TestAddParamRemovesFromBothMissingLists(t *testing.T) {
	s := NewSessionState("t1", "s1")
	s.StartTask("invoice", "faktura", nil, []string{"client", "amount"}, []string{"currency", "amount"})

	s.AddParam("amount", 1200)
	s.AddParam("amount", 1300)

	assert.NotContains(t, s.MissingRequired, "amount")
	assert.NotContains(t, s.MissingRecommended, "amount")
	assert.Equal(t, []string{"client"}, s.MissingRequired)
	assert.Len(t, s.GatheredParams, 1)
	assert.Equal(t, 1300, s.GatheredParams["amount"])
}

func TestUndoRestoresOriginalAfterNCycles(t *testing.T) {
	s := NewSessionState("t1", "s1")
	s.StartTask("social_post", "post", map[string]any{"topic": "kawa"}, nil, []string{"tone", "platform", "audience"})
	original := s.Clone()

	values := []string{"zabawny", "profesjonalny", "swobodny", "inspirujący"}
	for _, v := range values {
		s.PushSnapshot()
		s.AddParam("tone", v)
	}
	for range values {
		require.True(t, s.UndoLastChange())
	}

	if diff := cmp.Diff(original.GatheredParams, s.GatheredParams); diff != "" {
		t.Fatalf("params not restored (-want +got):\n%s", diff)
	}
	assert.Equal(t, original.MissingRecommended, s.MissingRecommended)

	before := s.Clone()
	assert.False(t, s.UndoLastChange())
	assert.Equal(t, before.GatheredParams, s.GatheredParams)
	assert.Equal(t, before.MissingRecommended, s.MissingRecommended)
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	s := NewSessionState("t1", "s1")
	s.StartTask("image", "obraz", nil, []string{"subject"}, nil)

	for i := 0; i < MaxHistory+3; i++ {
		s.AddParam("subject", fmt.Sprintf("v%d", i))
		s.PushSnapshot()
	}

	require.Len(t, s.ParamHistory, MaxHistory)
	for i, snap := range s.ParamHistory {
		assert.Equal(t, fmt.Sprintf("v%d", i+3), snap.Params["subject"])
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewSessionState("t1", "s1")
	s.StartTask("social_post", "post", map[string]any{"topic": "kawa"}, nil, []string{"tone"})
	s.PushSnapshot()

	c := s.Clone()
	c.AddParam("tone", "zabawny")
	c.ParamHistory[0].Params["topic"] = "herbata"

	assert.False(t, s.HasParam("tone"))
	assert.Equal(t, []string{"tone"}, s.MissingRecommended)
	assert.Equal(t, "kawa", s.ParamHistory[0].Params["topic"])
}

func TestSessionStateJSONRoundTripKeepsStage(t *testing.T) {
	s := NewSessionState("t1", "s1")
	s.StartTask("social_post", "post", map[string]any{"topic": "kawa"}, nil, []string{"tone"})

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var got SessionState
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, StageGathering, got.Stage)
	assert.Equal(t, []string{"tone"}, got.MissingRecommended)
}

func TestFlowErrorRecoverability(t *testing.T) {
	for _, kind := range []ErrorKind{ErrUnknownIntent, ErrMissingRequired, ErrInvalidParam, ErrCancelled, ErrExecutionFailed, ErrTimeout, ErrBackendUnavailable} {
		assert.True(t, NewFlowError(kind, "t", "m").Recoverable, kind)
	}
	assert.False(t, NewFlowError(ErrRateLimited, "t", "m").Recoverable)
}
