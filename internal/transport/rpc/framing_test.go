package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newFramer(&buf, 0)

	require.NoError(t, f.writeFrame([]byte("first")))
	require.NoError(t, f.writeFrame([]byte("second")))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	got, err := f.readFrame()
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = f.readFrame()
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestFramerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty frame", []byte{0, 0, 0, 0}, ErrMessageEmpty},
		{"oversized", []byte{0, 0, 1, 0}, ErrMessageTooLarge},
		{"short prefix", []byte{0, 0}, ErrFrameTruncated},
		{"short payload", []byte{0, 0, 0, 4, 'a'}, ErrFrameTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFramer(bytes.NewBuffer(tt.input), 16)
			_, err := f.readFrame()
			assert.ErrorIs(t, err, tt.want)
		})
	}

	f := newFramer(&bytes.Buffer{}, 4)
	assert.ErrorIs(t, f.writeFrame(nil), ErrMessageEmpty)
	assert.ErrorIs(t, f.writeFrame([]byte("too long")), ErrMessageTooLarge)
}

func TestMessageValidation(t *testing.T) {
	_, err := encode(envelope{Type: MessageRequest, Request: &Request{ID: "1"}})
	assert.ErrorIs(t, err, errMalformed)

	_, err = encode(envelope{Type: MessageType(9)})
	assert.ErrorIs(t, err, errMalformed)

	data, err := encode(envelope{Type: MessageResponse, Response: &Response{ID: "1", Payload: []byte("x")}})
	require.NoError(t, err)
	env, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, MessageResponse, env.Type)
	assert.Equal(t, "x", string(env.Response.Payload))

	_, err = decode([]byte{0xff})
	assert.Error(t, err)
	assert.Equal(t, "hello_ack", MessageHelloAck.String())
}
