package notify

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"perfwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func sampleAlert() *core.Alert {
	return &core.Alert{
		ID:                  "a-1",
		OperationType:       "commit",
		AlertType:           core.AlertStatisticalOutlier,
		Severity:            core.SeverityWarning,
		ActualValue:         150500,
		BaselineValue:       24500,
		ViolationMultiplier: 6.14,
		Message:             "commit duration 150500us is 4.2 standard deviations from baseline mean 24500us",
		CreatedAt:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFormatMessage_JSON(t *testing.T) {
	body, err := FormatMessage(sampleAlert(), core.FormatJSON)
	require.NoError(t, err)

	var m Message
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "a-1", m.AlertID)
	assert.Equal(t, "STATISTICAL_OUTLIER", m.AlertType)
	assert.Equal(t, "WARNING", m.Severity)
	assert.Equal(t, 150500.0, m.ActualValue)
}

func TestFormatMessage_Msgpack(t *testing.T) {
	body, err := FormatMessage(sampleAlert(), core.FormatMsgpack)
	require.NoError(t, err)

	var m Message
	require.NoError(t, msgpack.Unmarshal(body, &m))
	assert.Equal(t, "commit", m.OperationType)
	assert.Equal(t, 6.14, m.ViolationMultiplier)
	assert.True(t, m.CreatedAt.Equal(sampleAlert().CreatedAt))
}

func TestFormatMessage_Text(t *testing.T) {
	body, err := FormatMessage(sampleAlert(), core.FormatText)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.HasPrefix(text, "[WARNING] STATISTICAL_OUTLIER on commit\n"))
	assert.Contains(t, text, "(6.14x)")
	assert.Contains(t, text, "2024-05-01T12:00:00Z")
}

func TestFormatMessage_Slack(t *testing.T) {
	a := sampleAlert()
	a.Severity = core.SeverityCritical
	body, err := FormatMessage(a, core.FormatSlack)
	require.NoError(t, err)

	var p slackPayload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "[CRITICAL] STATISTICAL_OUTLIER on commit", p.Text)
	require.Len(t, p.Attachments, 1)
	assert.Equal(t, "danger", p.Attachments[0].Color)
}

func TestFormatMessage_Errors(t *testing.T) {
	_, err := FormatMessage(sampleAlert(), "xml")
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))

	_, err = FormatMessage(nil, core.FormatJSON)
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
}

func TestFormatBatch(t *testing.T) {
	first, err := FormatMessage(sampleAlert(), core.FormatSlack)
	require.NoError(t, err)
	second, err := FormatMessage(sampleAlert(), core.FormatSlack)
	require.NoError(t, err)

	body, err := FormatBatch([][]byte{first, second}, core.FormatSlack)
	require.NoError(t, err)
	var p slackPayload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "2 perfwatch alerts", p.Text)
	assert.Len(t, p.Attachments, 2)

	body, err = FormatBatch([][]byte{[]byte("one"), []byte("two")}, core.FormatText)
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", string(body))

	packed, err := FormatMessage(sampleAlert(), core.FormatMsgpack)
	require.NoError(t, err)
	body, err = FormatBatch([][]byte{packed, packed}, core.FormatMsgpack)
	require.NoError(t, err)
	var msgs []Message
	require.NoError(t, msgpack.Unmarshal(body, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "a-1", msgs[1].AlertID)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", ContentType(core.FormatJSON))
	assert.Equal(t, "application/json", ContentType(core.FormatSlack))
	assert.Equal(t, "application/msgpack", ContentType(core.FormatMsgpack))
	assert.Equal(t, "text/plain; charset=utf-8", ContentType(core.FormatText))
}
