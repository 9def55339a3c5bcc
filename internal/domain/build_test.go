package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   BuildStatus
		terminal bool
	}{
		{BuildStatusNotStarted, false},
		{BuildStatusQueued, false},
		{BuildStatusStarted, false},
		{BuildStatusError, true},
		{BuildStatusCancelled, true},
		{BuildStatusFinished, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.True(t, tt.status.Valid())
		})
	}
	assert.False(t, BuildStatus("Building").Valid())
}

func TestSourceRef(t *testing.T) {
	commit := "abc123"
	ref := SourceRef{Owner: "octo", Repository: "models", Branch: "main", NotebookPath: "nb/Sentiment Model.ipynb"}

	assert.Equal(t, "main", ref.Ref())
	assert.Equal(t, "Sentiment Model", ref.NotebookStem())

	ref.Commit = &commit
	assert.Equal(t, "abc123", ref.Ref())
	assert.Equal(t, "octo/models@abc123:nb/Sentiment Model.ipynb", ref.String())
}

func TestBuildUpdate_IsEmpty(t *testing.T) {
	assert.True(t, BuildUpdate{}.IsEmpty())
	s := BuildStatusQueued
	assert.False(t, BuildUpdate{Status: &s}.IsEmpty())
	assert.False(t, BuildUpdate{InputSchema: FieldSchema{}}.IsEmpty())
}

func TestFieldSchema_SampleInput(t *testing.T) {
	t.Run("text and image", func(t *testing.T) {
		in, err := FieldSchema{"prompt": FieldTypeText, "photo": FieldTypePIL}.SampleInput("https://img")
		require.NoError(t, err)
		assert.Equal(t, SampleText, in["prompt"])
		assert.Equal(t, "https://img", in["photo"])
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := FieldSchema{"x": "Audio"}.SampleInput("https://img")
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Message, `"x"`)
	})
}

func TestFieldSchema_CheckOutput(t *testing.T) {
	schema := FieldSchema{"label": FieldTypeText, "mask": FieldTypePIL}

	tests := []struct {
		name    string
		out     map[string]any
		wantErr string
	}{
		{"valid https", map[string]any{"label": "cat", "mask": "https://x/y.png"}, ""},
		{"valid s3", map[string]any{"label": "cat", "mask": "s3://b/k.png"}, ""},
		{"missing field", map[string]any{"label": "cat"}, `missing field "mask"`},
		{"text not string", map[string]any{"label": 3.2, "mask": "http://x"}, "should be text"},
		{"image not url", map[string]any{"label": "cat", "mask": "data:image/png"}, "should be an image URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.CheckOutput(tt.out)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProgressState(t *testing.T) {
	assert.False(t, ProgressEvent{State: ProgressStarted}.IsTerminal())
	assert.False(t, ProgressEvent{State: ProgressRunning}.IsTerminal())
	assert.True(t, ProgressEvent{State: ProgressFinished}.IsTerminal())
	assert.True(t, ProgressEvent{State: ProgressCancelled}.IsTerminal())
	assert.True(t, ProgressEvent{State: ProgressError}.IsTerminal())

	assert.Equal(t, ProgressFinished, ProgressStateFor(BuildStatusFinished))
	assert.Equal(t, ProgressCancelled, ProgressStateFor(BuildStatusCancelled))
	assert.Equal(t, ProgressError, ProgressStateFor(BuildStatusError))
}

func TestPageRequest(t *testing.T) {
	assert.Equal(t, DefaultMaxResults, PageRequest{}.Limit())
	assert.Equal(t, MaxMaxResults, PageRequest{MaxResults: 5000}.Limit())
	assert.Equal(t, 0, PageRequest{PageToken: "not-a-token"}.Offset())

	p := PageRequest{MaxResults: 10}
	var offsets []int
	for {
		offsets = append(offsets, p.Offset())
		next, more := p.Next(25)
		if !more {
			break
		}
		p = next
	}
	assert.Equal(t, []int{0, 10, 20}, offsets)

	_, more := PageRequest{MaxResults: 10}.Next(10)
	assert.False(t, more, "exact fit has no next page")
}
