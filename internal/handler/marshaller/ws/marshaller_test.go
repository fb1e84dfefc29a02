package wsmarshaller

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

func TestMarshalAckCarriesCounts(t *testing.T) {
	data, err := Marshal(&model.Frame{
		Type:   model.FrameAck,
		ID:     "m1",
		State:  model.AckSent,
		Counts: &model.AckCounts{Delivered: 2, Buffered: 1},
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "ack", raw["type"])
	assert.Equal(t, "sent", raw["state"])
	counts := raw["counts"].(map[string]any)
	assert.EqualValues(t, 2, counts["delivered"])
}

func TestUnmarshalMsgRoundTrip(t *testing.T) {
	fr, err := Unmarshal([]byte(`{"type":"msg","id":"m1","to":"bob","body":"aGk=","ts":42}`))
	require.NoError(t, err)
	assert.Equal(t, model.FrameMsg, fr.Type)
	assert.Equal(t, "bob", fr.To)
	assert.Equal(t, []byte("hi"), fr.Body)
	assert.EqualValues(t, 42, fr.SentAt)
}

func TestUnmarshalRejectsServerOnlyTypes(t *testing.T) {
	for _, typ := range []string{"delivery", "connect-ack", "error"} {
		_, err := Unmarshal([]byte(`{"type":"` + typ + `"}`))
		assert.Error(t, err, typ)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}
