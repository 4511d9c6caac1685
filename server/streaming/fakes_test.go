package streaming

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

type fakeSink struct {
	id       string
	mu       sync.Mutex
	open     bool
	failSend bool
	sent     [][]byte
	closes   int
}

func newFakeSink() *fakeSink {
	return &fakeSink{id: uuid.NewString(), open: true}
}

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSink) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closes++
	return nil
}

func (f *fakeSink) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}
