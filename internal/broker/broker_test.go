package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeEntry_RoundTrip(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"key_ID": "abc"})
	values := map[string]interface{}{
		"type": string(MessageNewKey),
		"data": string(data),
	}

	msg, ok := decodeEntry(values)
	assert.True(t, ok)
	assert.Equal(t, MessageNewKey, msg.Type)
	assert.JSONEq(t, `{"key_ID":"abc"}`, string(msg.Data))
}

func TestDecodeEntry_MissingFields(t *testing.T) {
	_, ok := decodeEntry(map[string]interface{}{"type": string(MessageNewKey)})
	assert.False(t, ok)

	_, ok = decodeEntry(map[string]interface{}{"data": "{}"})
	assert.False(t, ok)
}

func TestIsBusyGroupErr(t *testing.T) {
	assert.True(t, isBusyGroupErr(errBusyGroup()))
	assert.False(t, isBusyGroupErr(nil))
}

func errBusyGroup() error {
	return &stringErr{"BUSYGROUP Consumer Group name already exists"}
}

type stringErr struct{ s string }

func (e *stringErr) Error() string { return e.s }
