package broker

import (
	"net"
	"testing"
	"time"
)

// Scenario 3 (spec §8): a slow receiver that connects long after the TTL has
// elapsed for every queued entry receives nothing at all.
func TestSlowReceiverTTLExpiry(t *testing.T) {
	b, _ := startTestBroker(t, Config{TTL: 2 * time.Second})

	producer := dial(t, b.SourceAddr())
	defer producer.Close()

	for i := 0; i < 10; i++ {
		writeBaseFrame(t, producer, []byte("payload"))
	}
	time.Sleep(100 * time.Millisecond)

	time.Sleep(3 * time.Second) // past TTL, and past the cleaner's own sweep interval

	receiver2, err := net.DialTimeout("tcp", b.DestAddr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial receiver: %v", err)
	}
	defer receiver2.Close()

	_ = receiver2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 8)
	if n, err := receiver2.Read(buf); err == nil {
		t.Fatalf("expected no data delivered to a receiver joining after TTL expiry, got %d bytes", n)
	}
}
