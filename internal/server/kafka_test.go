package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func committed(seq int64, kind models.EventKind, payload any) models.SyncEvent {
	ev := models.MustEvent(kind, payload)
	ev.Sequence = seq
	return ev
}

func runKafka(t *testing.T, p *KafkaPublisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// TestKafkaPublisher_KeysByEntity tests the message key and kind header
func TestKafkaPublisher_KeysByEntity(t *testing.T) {
	// ARRANGE
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	sent := make(chan *sarama.ProducerMessage, 2)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent <- msg
		return nil
	})
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent <- msg
		return nil
	})
	p := NewKafkaPublisher(producer, "ledger-events", KafkaOptions{}, nil, nil)
	runKafka(t, p)

	// ACT
	err := p.Publish(context.Background(), []models.SyncEvent{
		committed(1, models.KindCreateAccount, models.Account{ID: "acc-1", Name: "Cash"}),
		committed(2, models.KindDeleteProject, map[string]string{"id": "p-1"}),
	})
	require.NoError(t, err)

	// ASSERT
	for _, want := range []string{"accounts:acc-1", "projects:p-1"} {
		select {
		case msg := <-sent:
			key, err := msg.Key.Encode()
			require.NoError(t, err)
			assert.Equal(t, want, string(key))
			assert.Equal(t, "ledger-events", msg.Topic)
			require.Len(t, msg.Headers, 1)
			assert.Equal(t, "kind", string(msg.Headers[0].Key))
		case <-time.After(2 * time.Second):
			t.Fatalf("message for %s was not sent", want)
		}
	}
}

func TestKafkaPublisher_RetriesThenDrops(t *testing.T) {
	// ARRANGE: one failure then success, then two failures with no retries left
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewKafkaPublisher(producer, "ledger-events", KafkaOptions{
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, nil, metrics)

	// ACT
	require.NoError(t, p.Publish(context.Background(), []models.SyncEvent{
		committed(1, models.KindCreateProject, models.Project{ID: "p-1", Name: "Home"}),
		committed(2, models.KindCreateProject, models.Project{ID: "p-2", Name: "Work"}),
	}))
	runKafka(t, p)

	// ASSERT
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.KafkaDropped) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestKafkaPublisher_QueueFull(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewKafkaPublisher(producer, "ledger-events", KafkaOptions{QueueSize: 1}, nil, metrics)

	err := p.Publish(context.Background(), []models.SyncEvent{
		committed(1, models.KindCreateProject, models.Project{ID: "p-1", Name: "Home"}),
		committed(2, models.KindCreateProject, models.Project{ID: "p-2", Name: "Work"}),
		committed(3, models.KindCreateProject, models.Project{ID: "p-3", Name: "Trips"}),
	})

	assert.ErrorIs(t, err, ErrKafkaQueueFull)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.KafkaDropped))
}
