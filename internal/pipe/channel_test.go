package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qvirt/hwpipe/internal/interfaces"
)

func TestGetAndClearWantedClearsMask(t *testing.T) {
	ch := New(1, nil)
	ch.SetWanted(0x2)
	ch.SetWanted(0x4)

	assert.Equal(t, uint32(0x6), ch.Wanted())
	assert.Equal(t, uint32(0x6), ch.GetAndClearWanted())
	assert.Equal(t, uint32(0), ch.Wanted())
}

func TestMarkClosedOnlyTransitionsOnce(t *testing.T) {
	ch := New(1, nil)
	assert.False(t, ch.Closed())
	assert.True(t, ch.MarkClosed())
	assert.True(t, ch.Closed())
	assert.False(t, ch.MarkClosed())
}

type recordingHandler struct {
	closed    bool
	onClose   func()
}

func (r *recordingHandler) Recv(buf []byte) int32 { return 0 }
func (r *recordingHandler) Send(buf []byte) int32 { return 0 }
func (r *recordingHandler) Poll() uint32          { return 0 }
func (r *recordingHandler) WakeOn(mask uint32)    {}
func (r *recordingHandler) Close() {
	r.closed = true
	if r.onClose != nil {
		r.onClose()
	}
}

func TestDestroyCallsHandlerCloseAndClearsIt(t *testing.T) {
	h := &recordingHandler{}
	ch := New(1, h)
	ch.Destroy()

	assert.True(t, h.closed)
	assert.Nil(t, ch.Handler)
}

func TestHandlerRefReturnsNilAfterDestroy(t *testing.T) {
	h := &recordingHandler{}
	ch := New(1, h)
	assert.Same(t, interfaces.ServiceHandler(h), ch.HandlerRef())

	ch.Destroy()
	assert.Nil(t, ch.HandlerRef())
}

func TestDestroyHandlerMayReenterSetWanted(t *testing.T) {
	ch := New(1, nil)
	h := &recordingHandler{}
	h.onClose = func() {
		// Simulate a service calling back into the channel's own wake
		// state as part of its own teardown.
		ch.SetWanted(0x1)
	}
	ch.Handler = h
	ch.Destroy()

	assert.Equal(t, uint32(0x1), ch.Wanted())
}
