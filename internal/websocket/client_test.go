// internal/websocket/client_test.go
package websocket

import (
	"errors"
	"sync"
	"testing"
)

func TestClient_CloseDuringBroadcast(t *testing.T) {
	client := NewClient("c1", nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			// Buffer-full and closed are both acceptable here; a panic
			// on send-to-closed-channel is not.
			_ = client.SendEvent("tick", i)
		}
	}()

	client.Close()
	wg.Wait()

	if err := client.SendEvent("tick", -1); !errors.Is(err, ErrClientClosed) {
		t.Errorf("send after close = %v, want ErrClientClosed", err)
	}
	// Repeated close must be a no-op, not a double channel close.
	client.Close()
}

func TestClient_BufferFull(t *testing.T) {
	client := NewClient("c2", nil)

	// Nothing drains the queue; filling it past capacity must report
	// rather than block.
	var err error
	for i := 0; i < cap(client.Send)+1; i++ {
		err = client.SendEvent("tick", i)
	}
	if !errors.Is(err, ErrClientBufferFull) {
		t.Errorf("overflow send = %v, want ErrClientBufferFull", err)
	}
}
