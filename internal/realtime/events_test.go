package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/plaza/internal/models"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Event
		wantErr error
	}{
		{"move", `{"type":"move","payload":{"id":"0042","x":120}}`, MoveEvent{ID: "0042", X: 120}, nil},
		{"move float that is integral", `{"type":"move","payload":{"id":"0042","x":120.0}}`, MoveEvent{ID: "0042", X: 120}, nil},
		{"kick", `{"type":"kick","payload":{"id":"0042"}}`, KickEvent{ID: "0042"}, nil},
		{"chat", `{"type":"chat","payload":{"id":"0042","message":"hi"}}`, ChatEvent{ID: "0042", Message: "hi"}, nil},
		{"chat empty message", `{"type":"chat","payload":{"id":"0042","message":""}}`, ChatEvent{ID: "0042"}, nil},

		{"not json", `hello`, nil, ErrMalformedEvent},
		{"missing type", `{"payload":{"id":"1"}}`, nil, ErrMalformedEvent},
		{"unknown type", `{"type":"dance","payload":{"id":"1"}}`, nil, ErrUnknownEventType},
		{"missing payload", `{"type":"kick"}`, nil, ErrMalformedEvent},
		{"array payload", `{"type":"kick","payload":[1]}`, nil, ErrMalformedEvent},
		{"missing id", `{"type":"kick","payload":{}}`, nil, ErrMalformedEvent},
		{"numeric id", `{"type":"chat","payload":{"id":42,"message":"hi"}}`, nil, ErrMalformedEvent},
		{"move missing x", `{"type":"move","payload":{"id":"1"}}`, nil, ErrMalformedEvent},
		{"move fractional x", `{"type":"move","payload":{"id":"1","x":1.5}}`, nil, ErrMalformedEvent},
		{"move string x", `{"type":"move","payload":{"id":"1","x":"10"}}`, nil, ErrMalformedEvent},
		{"chat missing message", `{"type":"chat","payload":{"id":"1"}}`, nil, ErrMalformedEvent},
		{"chat numeric message", `{"type":"chat","payload":{"id":"1","message":5}}`, nil, ErrMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.frame))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundShapes(t *testing.T) {
	data, err := json.Marshal(ErrorEvent("bad"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"bad"}`, string(data))

	data, err = json.Marshal(AssignID("0007"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"assign-id","payload":{"id":"0007"}}`, string(data))

	// An empty roster is an empty array, never null or missing.
	data, err = json.Marshal(UpdatePositions(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update-positions","payload":[]}`, string(data))

	data, err = json.Marshal(UpdatePositions([]models.Presence{{ID: "0001", Position: 3, Hair: 1, Dress: 2}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update-positions","payload":[
		{"id":"0001","position":3,"hair":1,"dress":2,"chatThrottled":false,"chatCount":0}
	]}`, string(data))
}

func TestTruncateCountsRunes(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 30))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "안녕", truncate("안녕하세요", 2))
}
