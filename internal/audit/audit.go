// Package audit records gameplay-affecting and security-relevant events in
// an append-only log. Recording never blocks the caller: entries flow
// through a buffered channel into a single writer goroutine, and the channel
// drops the oldest entry under saturation rather than stalling a request.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/model"
)

const defaultBufferSize = 1024

// Inserter persists one audit entry. The relational store satisfies this.
type Inserter interface {
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error
}

// Logger buffers and writes audit entries off the request path.
type Logger struct {
	inserter Inserter
	logger   *zap.Logger
	entries  chan *model.AuditEntry
	done     chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewLogger builds an audit logger. Call Run to start the writer and Close
// to drain it on shutdown.
func NewLogger(inserter Inserter, logger *zap.Logger) *Logger {
	return &Logger{
		inserter: inserter,
		logger:   logger,
		entries:  make(chan *model.AuditEntry, defaultBufferSize),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Run consumes the buffer until Close is called. Insert failures are logged
// and dropped; audit writes never fail a gameplay operation.
func (l *Logger) Run(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case entry := <-l.entries:
				l.write(ctx, entry)
			case <-l.done:
				// Drain whatever is left before exiting.
				for {
					select {
					case entry := <-l.entries:
						l.write(ctx, entry)
					default:
						return
					}
				}
			}
		}
	}()
}

func (l *Logger) write(ctx context.Context, entry *model.AuditEntry) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.inserter.InsertAuditEntry(writeCtx, entry); err != nil {
		l.logger.Warn("audit write failed",
			zap.String("action", entry.Action), zap.Error(err))
	}
}

// Record enqueues an entry. When the buffer is full the oldest entry is
// dropped and a warning logged.
func (l *Logger) Record(actorID *uuid.UUID, action, resourceType, resourceID string, changes map[string]any) {
	l.RecordRequest(actorID, action, resourceType, resourceID, changes, "", "")
}

// RecordRequest is Record with request metadata attached.
func (l *Logger) RecordRequest(actorID *uuid.UUID, action, resourceType, resourceID string, changes map[string]any, ip, userAgent string) {
	entry := &model.AuditEntry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      changes,
		IP:           ip,
		UserAgent:    userAgent,
		CreatedAt:    l.now(),
	}
	for {
		select {
		case l.entries <- entry:
			return
		default:
			select {
			case dropped := <-l.entries:
				l.logger.Warn("audit buffer saturated, dropping oldest entry",
					zap.String("dropped_action", dropped.Action))
			default:
			}
		}
	}
}

// Close stops the writer after draining buffered entries.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
}
