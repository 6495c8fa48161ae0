package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/garage-dispatch/internal/models"
)

func TestDecodeSendMessageDefaultsToText(t *testing.T) {
	in, err := Decode([]byte(`{"type":"sendMessage","data":{"room_id":"booking_1","content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, SendMessage, in.Type)
	req, ok := in.Payload.(*SendMessageRequest)
	require.True(t, ok)
	assert.Equal(t, models.MessageText, req.Type)
}

func TestDecodeRejectsLooseShapes(t *testing.T) {
	cases := map[string]string{
		"unknown type":       `{"type":"explode","data":{}}`,
		"legacy field alias": `{"type":"joinRoom","data":{"roomId":"booking_1"}}`,
		"missing room":       `{"type":"joinRoom","data":{}}`,
		"missing data":       `{"type":"booking:accept"}`,
		"bad status":         `{"type":"booking:advance","data":{"booking_id":"b","status":"flying"}}`,
		"bad coordinates":    `{"type":"tracking:update","data":{"booking_id":"b","lat":123,"lon":0}}`,
		"not json":           `hello`,
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrValidation), "got %v", err)
		})
	}
}

func TestDecodeTrackingUpdate(t *testing.T) {
	in, err := Decode([]byte(`{"type":"tracking:update","data":{"booking_id":"b3","lat":12.9,"lon":77.6}}`))
	require.NoError(t, err)
	req := in.Payload.(*LocationRequest)
	assert.Equal(t, "b3", req.BookingID)
	assert.InDelta(t, 12.9, req.Lat, 1e-9)
}
