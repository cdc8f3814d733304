//go:build unit

package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, event)
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.events...)
}

// blockingApp runs until it is stopped through Shutdown or Stop.
type blockingApp struct {
	name    string
	log     *eventLog
	stop    chan struct{}
	once    sync.Once
	started chan struct{}
}

func newBlockingApp(name string, events *eventLog) *blockingApp {
	return &blockingApp{name: name, log: events, stop: make(chan struct{}), started: make(chan struct{})}
}

func (a *blockingApp) Run(*reliable.Launcher) error {
	close(a.started)
	<-a.stop

	return nil
}

func (a *blockingApp) halt(how string) {
	a.once.Do(func() {
		a.log.add(how + " " + a.name)
		close(a.stop)
	})
}

type gracefulBlockingApp struct{ *blockingApp }

func (a gracefulBlockingApp) Shutdown(context.Context) error {
	a.halt("shutdown")

	return nil
}

type stoppableBlockingApp struct{ *blockingApp }

func (a stoppableBlockingApp) Stop() {
	a.halt("stop")
}

func TestRelay_ShutdownOrder(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	loop := newBlockingApp("sender", events)
	consumer := newBlockingApp("consumer", events)

	r := newRelay(nil)
	r.addApp("sender", gracefulBlockingApp{loop})
	r.addApp("consumer", stoppableBlockingApp{consumer})
	r.addCloser("telemetry", func(context.Context) error {
		events.add("close telemetry")

		return nil
	})
	r.addCloser("broker", func(context.Context) error {
		events.add("close broker")

		return errors.New("already closed")
	})

	shutdownChan := make(chan struct{})
	r.shutdownChan = shutdownChan

	done := make(chan error, 1)

	go func() {
		done <- r.run()
	}()

	<-loop.started
	<-consumer.started

	close(shutdownChan)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}

	assert.Equal(t, []string{
		"stop consumer",
		"shutdown sender",
		"close broker",
		"close telemetry",
	}, events.snapshot())

	r.shutdown()
	assert.Len(t, events.snapshot(), 4, "shutdown runs once")
}

func TestRelay_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	r := newRelay(nil)
	r.shutdownTimeout = 20 * time.Millisecond
	r.addApp("stuck", appFunc(func() error {
		<-stuck

		return nil
	}))

	shutdownChan := make(chan struct{})
	close(shutdownChan)
	r.shutdownChan = shutdownChan

	require.Error(t, r.run())
}

type appFunc func() error

func (f appFunc) Run(*reliable.Launcher) error { return f() }

func TestJournalHandler(t *testing.T) {
	t.Parallel()

	handler := journalHandler(newRelay(nil).logger)
	require.NoError(t, handler(context.Background(), json.RawMessage(`{"id":1}`), inbox.Metadata{ConsumerKey: "billing"}))
}
