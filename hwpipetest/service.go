package hwpipetest

import (
	"fmt"
	"sync"

	"github.com/qvirt/hwpipe/internal/interfaces"
)

// FakeServiceHandler is a scriptable interfaces.ServiceHandler: its
// Recv/Send/Poll behavior is supplied as functions so a test can
// control exactly what a channel's bound service does, while call
// counts are tracked automatically.
type FakeServiceHandler struct {
	mu sync.Mutex

	RecvFunc   func(buf []byte) int32
	SendFunc   func(buf []byte) int32
	PollFunc   func() uint32
	WakeOnFunc func(mask uint32)

	RecvCalls   int
	SendCalls   int
	PollCalls   int
	WakeOnCalls int
	CloseCalls  int

	LastWakeOnMask uint32
	Closed         bool
}

// NewFakeServiceHandler constructs a handler with no-op defaults; set
// the *Func fields to script specific behavior.
func NewFakeServiceHandler() *FakeServiceHandler {
	return &FakeServiceHandler{}
}

func (f *FakeServiceHandler) Recv(buf []byte) int32 {
	f.mu.Lock()
	f.RecvCalls++
	fn := f.RecvFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(buf)
	}
	return 0
}

func (f *FakeServiceHandler) Send(buf []byte) int32 {
	f.mu.Lock()
	f.SendCalls++
	fn := f.SendFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(buf)
	}
	return int32(len(buf))
}

func (f *FakeServiceHandler) Poll() uint32 {
	f.mu.Lock()
	f.PollCalls++
	fn := f.PollFunc
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return 0
}

func (f *FakeServiceHandler) WakeOn(mask uint32) {
	f.mu.Lock()
	f.WakeOnCalls++
	f.LastWakeOnMask = mask
	fn := f.WakeOnFunc
	f.mu.Unlock()
	if fn != nil {
		fn(mask)
	}
}

func (f *FakeServiceHandler) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	f.Closed = true
}

// FakeServiceRegistry resolves service names against a fixed table of
// constructors registered with Register, tracking every Create call and
// handing each constructed handler the HostCallbacks it was opened
// with, so tests can trigger host-originated wakes through it.
type FakeServiceRegistry struct {
	mu           sync.Mutex
	constructors map[string]func(channel uint64, callbacks interfaces.HostCallbacks) interfaces.ServiceHandler

	CreateCalls int
	Created     []string
}

// NewFakeServiceRegistry constructs an empty registry.
func NewFakeServiceRegistry() *FakeServiceRegistry {
	return &FakeServiceRegistry{
		constructors: make(map[string]func(uint64, interfaces.HostCallbacks) interfaces.ServiceHandler),
	}
}

// Register binds name to a constructor invoked by Create.
func (r *FakeServiceRegistry) Register(name string, ctor func(channel uint64, callbacks interfaces.HostCallbacks) interfaces.ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// RegisterFixed binds name to a single fixed handler instance returned
// for every Create call, for tests that just want one scripted handler.
func (r *FakeServiceRegistry) RegisterFixed(name string, handler interfaces.ServiceHandler) {
	r.Register(name, func(uint64, interfaces.HostCallbacks) interfaces.ServiceHandler {
		return handler
	})
}

// Create implements interfaces.ServiceRegistry.
func (r *FakeServiceRegistry) Create(name string, channel uint64, callbacks interfaces.HostCallbacks) (interfaces.ServiceHandler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CreateCalls++
	r.Created = append(r.Created, name)

	ctor, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("hwpipetest: unknown service %q", name)
	}
	return ctor(channel, callbacks), nil
}
