package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled} {
		require.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []JobStatus{JobPending, JobProcessing} {
		require.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestStageStatusTerminal(t *testing.T) {
	for _, s := range []StageStatus{StageCompleted, StageFailed, StageSkipped} {
		require.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []StageStatus{StagePending, StageProcessing} {
		require.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestParseJobType(t *testing.T) {
	for _, in := range []string{"interactive_search", "story_adventure"} {
		got, err := ParseJobType(in)
		require.NoError(t, err)
		require.Equal(t, JobType(in), got)
	}
	_, err := ParseJobType("coloring_book")
	require.ErrorContains(t, err, "unknown job type")
}

func TestSceneCount(t *testing.T) {
	require.Equal(t, 2, TypeInteractiveSearch.SceneCount())
	require.Equal(t, 5, TypeStoryAdventure.SceneCount())
}
