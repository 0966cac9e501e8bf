package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, e *Envelope)
	}{
		{
			name: "auth",
			raw:  `{"type":"auth","token":"abc"}`,
			check: func(t *testing.T, e *Envelope) {
				assert.Equal(t, EventAuth, e.Type)
				assert.Equal(t, "abc", e.Token)
				assert.True(t, e.Known())
			},
		},
		{
			name: "new_message",
			raw:  `{"type":"new_message","chatId":"7","message":{"id":"42","chatId":"7","senderId":"a","content":"hi"}}`,
			check: func(t *testing.T, e *Envelope) {
				require.NotNil(t, e.Message)
				assert.Equal(t, "42", e.Message.ID)
				assert.Equal(t, "7", e.ChatID)
			},
		},
		{
			name: "unknown type decodes but is not known",
			raw:  `{"type":"typing","chatId":"7"}`,
			check: func(t *testing.T, e *Envelope) {
				assert.False(t, e.Known())
			},
		},
		{name: "not json", raw: `{{{`, wantErr: true},
		{name: "missing type", raw: `{"chatId":"7"}`, wantErr: true},
		{name: "not an object", raw: `[1,2]`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Decode([]byte(tc.raw))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			tc.check(t, e)
		})
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	b := Rejected("7", ReasonForbidden).Encode()
	assert.JSONEq(t, `{"type":"rejected","chatId":"7","reason":"forbidden"}`, string(b))

	b = AuthSuccess().Encode()
	assert.JSONEq(t, `{"type":"auth_success"}`, string(b))
}
