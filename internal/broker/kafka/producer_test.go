package kafka

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	last   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducer_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	require.NoError(t, p.Publish(context.Background(), "goods.scanned", []byte("A1"), []byte(`{"code":"A1"}`)))
	require.Len(t, fw.last, 1)
	require.Equal(t, "goods.scanned", fw.last[0].Topic)
	require.Equal(t, []byte("A1"), fw.last[0].Key)
	require.JSONEq(t, `{"code":"A1"}`, string(fw.last[0].Value))

	require.NoError(t, p.Close())
	require.True(t, fw.closed)
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"})
	require.NotNil(t, p)
	require.NoError(t, p.Close())
}
