package main

import (
	"bytes"
	"encoding/json"
	"html/template"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

func escalationBody(t *testing.T, to string, notice domain.EscalationNotice) []byte {
	t.Helper()
	body, err := json.Marshal(domain.Message{Type: domain.MessageEscalation, To: to, Data: notice})
	require.NoError(t, err)
	return body
}

func TestBuildEscalationMail(t *testing.T) {
	tmpl, err := template.ParseFiles("../../templates/escalation_email.html")
	require.NoError(t, err)

	notice := domain.EscalationNotice{
		EventID:   "e-1",
		SessionID: "s-1",
		Severity:  domain.SeverityCritical,
		Level:     2,
		Contact:   "区域经理",
		Deadline:  time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Message:   "站点 site-a 需求激增 10 人",
	}

	msg, got, err := buildEscalationMail("coordinator@example.com", tmpl, escalationBody(t, "region@example.com", notice))
	require.NoError(t, err)
	assert.Equal(t, notice.EventID, got.EventID)

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "region@example.com")
	assert.Contains(t, buf.String(), "coordinator@example.com")
}

func TestBuildEscalationMailRejectsUndeliverable(t *testing.T) {
	tmpl := template.Must(template.New("t").Parse("{{ .EventID }}"))

	_, _, err := buildEscalationMail("coordinator@example.com", tmpl, escalationBody(t, "", domain.EscalationNotice{EventID: "e-1"}))
	assert.ErrorIs(t, err, errNoRecipient)

	_, _, err = buildEscalationMail("coordinator@example.com", tmpl, []byte("{"))
	assert.Error(t, err)

	body, err := json.Marshal(domain.Message{Type: domain.MessageTransfer, To: "a@example.com"})
	require.NoError(t, err)
	_, _, err = buildEscalationMail("coordinator@example.com", tmpl, body)
	assert.Error(t, err)
}
