package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingMail_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mail    OutgoingMail
		wantErr bool
	}{
		{
			name: "valid",
			mail: OutgoingMail{From: "mem:users/alice", To: "mem:users/bob"},
		},
		{
			name:    "missing from",
			mail:    OutgoingMail{To: "mem:users/bob"},
			wantErr: true,
		},
		{
			name:    "missing to",
			mail:    OutgoingMail{From: "mem:users/alice"},
			wantErr: true,
		},
		{
			name:    "empty",
			mail:    OutgoingMail{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mail.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewMessage_CopiesMaps(t *testing.T) {
	mail := OutgoingMail{
		From:    "mem:users/alice",
		To:      "mem:users/bob",
		Headers: map[string]string{"x-trace": "abc"},
		Meta:    map[string]any{"attempt": 1},
	}
	msg := NewMessage(mail, "m1")

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "abc", msg.Headers["x-trace"])
	assert.Equal(t, 1, msg.Meta["attempt"])

	// Mutations flow in neither direction.
	mail.Headers["x-trace"] = "changed"
	mail.Meta["attempt"] = 2
	assert.Equal(t, "abc", msg.Headers["x-trace"])
	assert.Equal(t, 1, msg.Meta["attempt"])

	msg.Headers["injected"] = "later"
	_, leaked := mail.Headers["injected"]
	assert.False(t, leaked)
}

func TestNewMessage_MapDefaults(t *testing.T) {
	msg := NewMessage(OutgoingMail{From: "mem:a", To: "mem:b"}, "m1")

	// Headers is always writable so providers can stamp into it.
	require.NotNil(t, msg.Headers)
	assert.Empty(t, msg.Headers)
	assert.Nil(t, msg.Meta)
}

func TestMessage_SentAt(t *testing.T) {
	msg := &Message{Headers: map[string]string{}}

	_, ok := msg.SentAt()
	assert.False(t, ok)

	msg.Headers[HeaderSentAt] = "not a timestamp"
	_, ok = msg.SentAt()
	assert.False(t, ok)

	want := time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC)
	msg.Headers[HeaderSentAt] = want.Format(time.RFC3339Nano)
	got, ok := msg.SentAt()
	require.True(t, ok)
	assert.True(t, got.Equal(want))
}
