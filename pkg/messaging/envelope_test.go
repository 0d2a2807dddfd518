package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedPayload struct {
	DataID     string `json:"dataId" validate:"required"`
	StorageRef string `json:"storageRef"`
}

type otherPayload struct {
	Name string `json:"name" validate:"required"`
}

func newTestCodec() *Codec {
	c := NewCodec(nil)
	c.Register("Data stored", storedPayload{})
	c.Register("Other", otherPayload{})
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec()
	body, err := c.Encode("Data stored", "corr-1", &storedPayload{DataID: "sub-1", StorageRef: "ref"})
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "Data stored", wire["type"])
	assert.Equal(t, "corr-1", wire["correlationId"])

	env, err := c.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "Data stored", env.Type)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, storedPayload{DataID: "sub-1", StorageRef: "ref"}, env.Payload)
}

func TestCodecEncodeMintsCorrelationID(t *testing.T) {
	c := newTestCodec()
	body, err := c.Encode("Data stored", "", storedPayload{DataID: "sub-1"})
	require.NoError(t, err)
	env, err := c.Decode(body)
	require.NoError(t, err)
	assert.NotEmpty(t, env.CorrelationID)
}

func TestCodecEncodeRejectsMalformed(t *testing.T) {
	c := newTestCodec()

	_, err := c.Encode("Unknown", "c", storedPayload{DataID: "x"})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = c.Encode("Data stored", "c", otherPayload{Name: "x"})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = c.Encode("Data stored", "c", storedPayload{})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	var nilPayload *storedPayload
	_, err = c.Encode("Data stored", "c", nilPayload)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCodecDecodeClassifiesPoison(t *testing.T) {
	c := newTestCodec()
	cases := map[string]string{
		"not json":        `{{`,
		"missing type":    `{"payload":{"dataId":"x"}}`,
		"unknown type":    `{"type":"Nope","payload":{}}`,
		"missing payload": `{"type":"Data stored"}`,
		"wrong shape":     `{"type":"Data stored","payload":{"dataId":42}}`,
		"invalid payload": `{"type":"Data stored","payload":{"storageRef":"r"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, IsPoison(err))
		})
	}
}

func TestCodecRegisterConflictPanics(t *testing.T) {
	c := newTestCodec()
	assert.Panics(t, func() { c.Register("Data stored", otherPayload{}) })
	assert.NotPanics(t, func() { c.Register("Data stored", &storedPayload{}) })
	assert.Equal(t, []string{"Data stored", "Other"}, c.Types())
}
