package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"realmd/internal/model"
)

type fakeInserter struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (f *fakeInserter) InsertAuditEntry(_ context.Context, entry *model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestRecordWritesAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)

	ins := &fakeInserter{}
	logger := NewLogger(ins, zap.NewNop())
	logger.Run(context.Background())

	actor := uuid.New()
	logger.Record(&actor, "character.move", "character", actor.String(),
		map[string]any{"from": "a", "to": "b"})
	logger.Record(nil, "auth.signin_failed", "account", "", nil)

	logger.Close()

	require.Equal(t, 2, ins.count())
	assert.Equal(t, "character.move", ins.entries[0].Action)
	assert.Nil(t, ins.entries[1].ActorID)
}

func TestCloseDrainsBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)

	ins := &fakeInserter{}
	logger := NewLogger(ins, zap.NewNop())

	// Enqueue before the writer starts; Run then Close must still flush.
	for i := 0; i < 50; i++ {
		logger.Record(nil, "combat.action", "combat_session", "s1", nil)
	}
	logger.Run(context.Background())
	logger.Close()

	assert.Equal(t, 50, ins.count())
}

func TestRecordNeverBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)

	ins := &fakeInserter{}
	logger := NewLogger(ins, zap.NewNop())
	// No writer running; flood past the buffer size. Record must drop, not
	// block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			logger.Record(nil, "flood", "test", "", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked under saturation")
	}
	logger.Run(context.Background())
	logger.Close()
	assert.LessOrEqual(t, ins.count(), defaultBufferSize)
}
