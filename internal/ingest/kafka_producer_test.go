package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishZoneKeysByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := NewZoneProducerWithWriter(w)
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, p.PublishZone(context.Background(), models.ZoneUpdate{DriverID: "d1", Zone: 42, At: at}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "d1", string(w.msgs[0].Key))

	var got models.ZoneUpdate
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, 42, got.Zone)
	assert.True(t, got.At.Equal(at))
}

func TestPublishZoneStampsTimeAndSurfacesErrors(t *testing.T) {
	w := &fakeWriter{}
	p := NewZoneProducerWithWriter(w)
	require.NoError(t, p.PublishZone(context.Background(), models.ZoneUpdate{DriverID: "d1", Zone: 3}))

	var got models.ZoneUpdate
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.False(t, got.At.IsZero())

	w.err = errors.New("broker down")
	assert.Error(t, p.PublishZone(context.Background(), models.ZoneUpdate{DriverID: "d1", Zone: 3}))
}
