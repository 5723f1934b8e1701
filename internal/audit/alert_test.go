package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/roach88/tenantmig/internal/ir"
)

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (s *fakeSender) DialAndSend(m ...*gomail.Message) error {
	s.sent = append(s.sent, m...)
	return s.err
}

var criticalIssue = ir.ValidationIssue{
	Category:    ir.CategoryTenantConsistency,
	Severity:    ir.SeverityCritical,
	Check:       "tenant-consistency:product_school",
	Description: "1 products rows reference a <schools> row of another tenant",
}

func TestMailAlerter_SendsOneMessage(t *testing.T) {
	sender := &fakeSender{}
	a := NewMailAlerterWithSender(MailConfig{From: "tenantmig@example.com", To: []string{"ops@example.com"}}, sender)

	require.NoError(t, a.Alert(context.Background(), "session-1", []ir.ValidationIssue{criticalIssue, criticalIssue}))
	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, []string{"[tenantmig] 2 critical validation issue(s)"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"ops@example.com"}, m.GetHeader("To"))
}

func TestMailAlerter_SkipsWithoutRecipientsOrIssues(t *testing.T) {
	sender := &fakeSender{}
	require.NoError(t, NewMailAlerterWithSender(MailConfig{}, sender).Alert(context.Background(), "s", []ir.ValidationIssue{criticalIssue}))
	require.NoError(t, NewMailAlerterWithSender(MailConfig{To: []string{"ops@example.com"}}, sender).Alert(context.Background(), "s", nil))
	assert.Empty(t, sender.sent)
}

func TestMailAlerter_WrapsSendError(t *testing.T) {
	boom := errors.New("connection refused")
	a := NewMailAlerterWithSender(MailConfig{To: []string{"ops@example.com"}}, &fakeSender{err: boom})
	err := a.Alert(context.Background(), "s", []ir.ValidationIssue{criticalIssue})
	assert.ErrorIs(t, err, boom)
}

func TestAlertBody_Escapes(t *testing.T) {
	body := alertBody("session-<1>", []ir.ValidationIssue{criticalIssue})
	assert.Contains(t, body, "session-&lt;1&gt;")
	assert.Contains(t, body, "&lt;schools&gt;")
	assert.NotContains(t, body, "<schools>")
	assert.Contains(t, body, "1 critical issue(s)")
}

func TestLogAlerter_LogsEachIssue(t *testing.T) {
	var buf bytes.Buffer
	a := LogAlerter{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, a.Alert(context.Background(), "session-1", []ir.ValidationIssue{criticalIssue}))
	assert.Contains(t, buf.String(), "critical validation issue")
	assert.Contains(t, buf.String(), "session=session-1")
}
