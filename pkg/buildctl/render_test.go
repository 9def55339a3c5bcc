package buildctl

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook-builder/internal/domain"
)

var sampleEvents = []domain.ProgressEvent{
	{State: domain.ProgressStarted, Message: "ADDING BUILD TO QUEUE"},
	{State: domain.ProgressRunning, Message: "\r\nSTARTING DOCKER BUILD\r\n"},
	{State: domain.ProgressRunning, Message: "."},
	{State: domain.ProgressRunning, Message: "."},
	{State: domain.ProgressFinished, Message: "FINISHED BUILD"},
}

func renderAll(t *testing.T, r Renderer) {
	t.Helper()
	for _, ev := range sampleEvents {
		require.NoError(t, r.Render(ev))
	}
}

func TestRawRenderer(t *testing.T) {
	var buf bytes.Buffer
	renderAll(t, RawRenderer{W: &buf})
	assert.Equal(t,
		"ADDING BUILD TO QUEUE\r\n\r\nSTARTING DOCKER BUILD\r\n\r\n..\r\nFinished: FINISHED BUILD\r\n",
		buf.String())
}

func TestLineRenderer(t *testing.T) {
	var buf bytes.Buffer
	renderAll(t, LineRenderer{W: &buf})
	assert.Equal(t,
		"Started: ADDING BUILD TO QUEUE\nRunning: STARTING DOCKER BUILD\nFinished: FINISHED BUILD\n",
		buf.String())
}

func TestJSONRenderer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONRenderer{W: &buf}.Render(sampleEvents[0]))
	assert.JSONEq(t, `{"state":"Started","message":"ADDING BUILD TO QUEUE"}`, buf.String())
}

func TestOutcome(t *testing.T) {
	var buf bytes.Buffer
	out := &Outcome{Renderer: LineRenderer{W: &buf}}
	renderAll(t, out)
	require.NotNil(t, out.Final)
	assert.Equal(t, domain.ProgressFinished, out.Final.State)
}

func TestRendererFor(t *testing.T) {
	var buf bytes.Buffer
	assert.IsType(t, JSONRenderer{}, rendererFor("json", &buf))
	assert.IsType(t, RawRenderer{}, rendererFor("raw", &buf))
	assert.IsType(t, LineRenderer{}, rendererFor("text", &buf))
	assert.IsType(t, LineRenderer{}, rendererFor("auto", &buf), "a buffer is not a terminal")
}
