package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/config"

	"github.com/stretchr/testify/require"
)

// mockSubscriber implements Subscriber for testing, recording every frame
// the bus hands it. Full* flags simulate backpressure.
type mockSubscriber struct {
	id ClientID

	mu      sync.Mutex
	inputs  [][]byte
	chats   [][]byte
	signals [][]byte
	states  [][]byte

	FullInput  bool
	FullChat   bool
	FullSignal bool

	terminated     bool
	terminateFrame []byte
	terminateCode  int
	terminateRsn   string
	terminateCalls int

	closedCode   int
	closedReason string
	closeCalls   int
}

func newMockSubscriber(id ClientID) *mockSubscriber {
	return &mockSubscriber{id: id}
}

func (m *mockSubscriber) ClientID() ClientID { return m.id }

func (m *mockSubscriber) EnqueueInput(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FullInput {
		return false
	}
	m.inputs = append(m.inputs, frame)
	return true
}

func (m *mockSubscriber) EnqueueChat(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FullChat {
		return false
	}
	m.chats = append(m.chats, frame)
	return true
}

func (m *mockSubscriber) EnqueueSignal(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FullSignal {
		return false
	}
	m.signals = append(m.signals, frame)
	return true
}

func (m *mockSubscriber) ReplaceState(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, frame)
}

func (m *mockSubscriber) Terminate(frame []byte, closeCode int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateCalls++
	if m.terminated {
		return
	}
	m.terminated = true
	m.terminateFrame = frame
	m.terminateCode = closeCode
	m.terminateRsn = reason
}

func (m *mockSubscriber) CloseWithCode(closeCode int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.closedCode = closeCode
	m.closedReason = reason
}

func (m *mockSubscriber) Inputs() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.inputs...)
}

func (m *mockSubscriber) Chats() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.chats...)
}

func (m *mockSubscriber) Signals() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.signals...)
}

func (m *mockSubscriber) States() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.states...)
}

func (m *mockSubscriber) Terminated() (bool, int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated, m.terminateCode, m.terminateRsn
}

func (m *mockSubscriber) TerminateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateCalls
}

func (m *mockSubscriber) Closed() (int, string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedCode, m.closedReason, m.closeCalls
}

// testConfig returns a config with production defaults but timers short
// enough for tests that want to observe expiry.
func testConfig() *config.Config {
	return &config.Config{
		MaxSessions:    8,
		MaxChatLen:     280,
		ChatRing:       60,
		MaxChatBacklog: 64,
		HostGrace:      200 * time.Millisecond,
		IdleEvict:      time.Second,
		ClosedGrace:    200 * time.Millisecond,
		AnalogDeadzone: 0.03,
	}
}

// decodeFrame unmarshals an outbound frame into a generic map for shape
// assertions.
func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}
