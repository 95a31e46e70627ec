package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishLocationKeyedByWorker(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaProducer{writer: w}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, k.PublishLocation(context.Background(), models.LocationPing{WorkerID: "w1", Lat: 1, Lon: 2, Timestamp: ts, Online: true}))
	require.NoError(t, k.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "w1", string(w.msgs[0].Key))
	p, err := DecodePing(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, ts, p.Timestamp)
	assert.True(t, p.Online)
	assert.True(t, w.closed)
}

func TestDecodePingRejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"no worker":    `{"lat":1,"lon":1,"timestamp":"2024-05-01T12:00:00Z"}`,
		"no timestamp": `{"worker_id":"w1","lat":1,"lon":1}`,
		"bad lat":      `{"worker_id":"w1","lat":91,"lon":1,"timestamp":"2024-05-01T12:00:00Z"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePing(kafka.Message{Value: []byte(body)})
			assert.Error(t, err)
		})
	}
}

func TestEventPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &EventPublisher{writer: w}
	ev := models.OrderEvent{ID: 3, OrderID: "r1", Seq: 2, Type: models.EventOfferReceived, Amount: 950}
	require.NoError(t, p.Handle(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r1", string(w.msgs[0].Key))
	assert.Equal(t, "offer_received", string(w.msgs[0].Headers[0].Value))
	var got models.OrderEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, ev.Seq, got.Seq)
	assert.Equal(t, ev.Amount, got.Amount)
}
