package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/esg-pipeline/pkg/retry"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (o *outcomeRecorder) ObserveDelivery(queue, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string][]string)
	}
	o.outcomes[queue] = append(o.outcomes[queue], outcome)
}

func (o *outcomeRecorder) get(queue string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes[queue]...)
}

type runnerFixture struct {
	broker   *MemoryBroker
	codec    *Codec
	topology *Topology
	runner   *Runner
	observer *outcomeRecorder
	dead     chan Delivery
}

func newRunnerFixture(t *testing.T, cfg RunnerConfig) *runnerFixture {
	t.Helper()
	topo, err := NewTopology(sampleBindings())
	require.NoError(t, err)
	broker := NewMemoryBroker(16, nil)
	require.NoError(t, broker.Declare(context.Background(), topo))
	codec := newTestCodec()
	obs := &outcomeRecorder{}
	if cfg.Backoff.InitialDelay == 0 {
		cfg.Backoff = retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	}
	f := &runnerFixture{
		broker:   broker,
		codec:    codec,
		topology: topo,
		runner:   NewRunner(broker, codec, topo, cfg, nil, WithObserver(obs)),
		observer: obs,
		dead:     make(chan Delivery, 8),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub, err := f.runner.StartRaw(ctx, "archive", func(_ context.Context, d Delivery) error {
		f.dead <- d
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(sub.Stop)
	return f
}

func (f *runnerFixture) publish(t *testing.T, body []byte) {
	t.Helper()
	require.NoError(t, f.broker.Publish(context.Background(), Message{Exchange: "storage.items", RoutingKey: "itemStored", Body: body}))
}

func (f *runnerFixture) encode(t *testing.T, id string) []byte {
	t.Helper()
	body, err := f.codec.Encode("Data stored", "corr-"+id, storedPayload{DataID: id})
	require.NoError(t, err)
	return body
}

func TestRunnerAcksAndPropagatesCorrelation(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{MaxAttempts: 3})
	got := make(chan string, 1)
	sub, err := f.runner.Start(context.Background(), "backend.fulfil", func(ctx context.Context, env Envelope) error {
		got <- CorrelationID(ctx) + "|" + env.Payload.(storedPayload).DataID
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	f.publish(t, f.encode(t, "sub-1"))

	select {
	case v := <-got:
		assert.Equal(t, "corr-sub-1|sub-1", v)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	require.Eventually(t, func() bool {
		return len(f.observer.get("backend.fulfil")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{OutcomeAcked}, f.observer.get("backend.fulfil"))
}

func TestRunnerRetriesTransientFailures(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{MaxAttempts: 5})
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	sub, err := f.runner.Start(context.Background(), "backend.fulfil", func(ctx context.Context, env Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("database unavailable")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	f.publish(t, f.encode(t, "sub-2"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message not redelivered")
	}
	require.Eventually(t, func() bool {
		return len(f.observer.get("backend.fulfil")) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{OutcomeRetried, OutcomeRetried, OutcomeAcked}, f.observer.get("backend.fulfil"))
	assert.Empty(t, f.dead)
}

func TestRunnerDeadLettersAfterMaxAttempts(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{MaxAttempts: 2})
	sub, err := f.runner.Start(context.Background(), "backend.fulfil", func(ctx context.Context, env Envelope) error {
		return errors.New("disk full")
	})
	require.NoError(t, err)
	defer sub.Stop()

	body := f.encode(t, "sub-3")
	f.publish(t, body)

	select {
	case d := <-f.dead:
		assert.Equal(t, body, d.Body())
		h := d.Headers()
		assert.Equal(t, "storage.items", h[HeaderOriginalExchange])
		assert.Equal(t, "itemStored", h[HeaderOriginalRoutingKey])
		assert.Equal(t, "backend.fulfil", h[HeaderQueue])
		assert.Equal(t, "2", h[HeaderAttempts])
		assert.Contains(t, h[HeaderError], "disk full")
		assert.Equal(t, "backend.fulfil", d.RoutingKey())
	case <-time.After(2 * time.Second):
		t.Fatal("message not dead-lettered")
	}
	require.Eventually(t, func() bool {
		return len(f.observer.get("backend.fulfil")) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{OutcomeRetried, OutcomeDeadLettered}, f.observer.get("backend.fulfil"))
}

func TestRunnerDeadLettersPoisonImmediately(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{MaxAttempts: 5})
	called := false
	sub, err := f.runner.Start(context.Background(), "backend.fulfil", func(ctx context.Context, env Envelope) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	f.publish(t, []byte(`{"type":"Nope","payload":{}}`))

	select {
	case d := <-f.dead:
		assert.Equal(t, "1", d.Headers()[HeaderAttempts])
		assert.Contains(t, d.Headers()[HeaderError], "poison")
	case <-time.After(2 * time.Second):
		t.Fatal("poison message not dead-lettered")
	}
	assert.False(t, called)
}

func TestRunnerDeadLettersNonRetryable(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{MaxAttempts: 5})
	sub, err := f.runner.Start(context.Background(), "backend.fulfil", func(ctx context.Context, env Envelope) error {
		return retry.NonRetryable(errors.New("payload rejected"))
	})
	require.NoError(t, err)
	defer sub.Stop()

	f.publish(t, f.encode(t, "sub-4"))

	select {
	case d := <-f.dead:
		assert.Equal(t, "1", d.Headers()[HeaderAttempts])
	case <-time.After(2 * time.Second):
		t.Fatal("non-retryable failure not dead-lettered")
	}
}

func TestRunnerTimesOutSlowHandlers(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{MaxAttempts: 1, HandlerTimeout: 20 * time.Millisecond})
	sub, err := f.runner.Start(context.Background(), "backend.fulfil", func(ctx context.Context, env Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	defer sub.Stop()

	f.publish(t, f.encode(t, "sub-5"))

	select {
	case d := <-f.dead:
		assert.Contains(t, d.Headers()[HeaderError], "timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("slow handler not dead-lettered")
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{MaxAttempts: 1})
	sub, err := f.runner.Start(context.Background(), "backend.fulfil", func(ctx context.Context, env Envelope) error {
		panic("boom")
	})
	require.NoError(t, err)
	defer sub.Stop()

	f.publish(t, f.encode(t, "sub-6"))

	select {
	case d := <-f.dead:
		assert.Contains(t, d.Headers()[HeaderError], "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("panicking handler not dead-lettered")
	}
}

func TestRunnerRejectsUnknownQueue(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{})
	_, err := f.runner.Start(context.Background(), "nope", func(context.Context, Envelope) error { return nil })
	assert.Error(t, err)
}

func TestMemoryBrokerFanOut(t *testing.T) {
	topo, err := NewTopology(sampleBindings())
	require.NoError(t, err)
	b := NewMemoryBroker(4, nil)
	require.NoError(t, b.Declare(context.Background(), topo))

	require.NoError(t, b.Publish(context.Background(), Message{Exchange: "backend.datasets", RoutingKey: "dataset.upload", Body: []byte("x")}))
	assert.Equal(t, 1, b.pending("qa.uploads"))
	assert.Equal(t, 1, b.pending("storage.store"))
	assert.Equal(t, 0, b.pending("backend.fulfil"))

	require.NoError(t, b.Publish(context.Background(), Message{Exchange: "backend.datasets", RoutingKey: "unbound", Body: []byte("x")}))
	assert.Equal(t, 1, b.pending("qa.uploads"))

	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), Message{Exchange: "backend.datasets", RoutingKey: "dataset.upload"}))
}

func TestMemoryBrokerPublishToSingleQueue(t *testing.T) {
	topo, err := NewTopology(sampleBindings())
	require.NoError(t, err)
	b := NewMemoryBroker(4, nil)
	require.NoError(t, b.Declare(context.Background(), topo))

	msg := Message{Exchange: "backend.datasets", RoutingKey: "dataset.upload", Queue: "storage.store", Body: []byte("x")}
	require.NoError(t, b.Publish(context.Background(), msg))
	assert.Equal(t, 0, b.pending("qa.uploads"))
	assert.Equal(t, 1, b.pending("storage.store"))

	msg.Queue = "backend.fulfil"
	assert.Error(t, b.Publish(context.Background(), msg))
	assert.Equal(t, 0, b.pending("backend.fulfil"))
}

func TestMemoryBrokerCloseReleasesBlockedPublisher(t *testing.T) {
	topo, err := NewTopology(sampleBindings())
	require.NoError(t, err)
	b := NewMemoryBroker(1, nil)
	require.NoError(t, b.Declare(context.Background(), topo))
	msg := Message{Exchange: "storage.items", RoutingKey: "itemStored", Body: []byte("x")}
	require.NoError(t, b.Publish(context.Background(), msg))

	published := make(chan error, 1)
	go func() { published <- b.Publish(context.Background(), msg) }()

	closed := make(chan struct{})
	go func() {
		_ = b.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked behind a full queue")
	}
	select {
	case err := <-published:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked publish was not released by close")
	}
}

func TestMemoryDeliverySettlesOnce(t *testing.T) {
	d := &memoryDelivery{attempt: 1}
	require.NoError(t, d.Ack())
	assert.Error(t, d.Term())
}
