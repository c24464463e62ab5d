package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusNotSent: {StatusSending},
		StatusSending: {StatusSent, StatusPartiallySent, StatusError},
	}
	all := []Status{StatusNotSent, StatusSending, StatusSent, StatusPartiallySent, StatusError}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusNotSent.Terminal())
	assert.False(t, StatusSending.Terminal())
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusPartiallySent.Terminal())
	assert.True(t, StatusError.Terminal())
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []RecipientStatus
		want     Status
	}{
		{"all sent", []RecipientStatus{RecipientSent, RecipientSent}, StatusSent},
		{"mixed", []RecipientStatus{RecipientSent, RecipientFailed, RecipientSent}, StatusPartiallySent},
		{"all failed", []RecipientStatus{RecipientFailed, RecipientFailed}, StatusError},
		{"sent and cancelled", []RecipientStatus{RecipientSent, RecipientCancelled}, StatusPartiallySent},
		{"all cancelled", []RecipientStatus{RecipientCancelled}, StatusError},
		{"none", nil, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			recipients := make([]Recipient, len(tt.statuses))
			for i, s := range tt.statuses {
				recipients[i] = Recipient{Status: s}
			}
			assert.Equal(t, tt.want, Aggregate(recipients))
		})
	}
}

func TestEntry_Due(t *testing.T) {
	t.Parallel()

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Entry{Status: StatusNotSent}).Due(now))
	assert.True(t, (&Entry{Status: StatusNotSent, SendAfter: &past}).Due(now))
	assert.False(t, (&Entry{Status: StatusNotSent, SendAfter: &future}).Due(now))
	assert.False(t, (&Entry{Status: StatusSending}).Due(now))
	assert.False(t, (&Entry{Status: StatusNotSent, Cancelled: true}).Due(now))
}

func TestEntry_Clone(t *testing.T) {
	t.Parallel()

	at := time.Now()
	e := &Entry{
		Subject:   "hello",
		SendAfter: &at,
		Attachments: []Attachment{
			{Kind: AttachmentContent, Filename: "a.txt", Content: []byte("abc")},
		},
		Recipients: []Recipient{{Address: "a@example.com", Status: RecipientPending}},
	}

	c := e.Clone()
	c.Attachments[0].Content[0] = 'x'
	c.Recipients[0].Status = RecipientSent
	*c.SendAfter = at.Add(time.Hour)

	assert.Equal(t, byte('a'), e.Attachments[0].Content[0])
	assert.Equal(t, RecipientPending, e.Recipients[0].Status)
	assert.Equal(t, at, *e.SendAfter)
}
