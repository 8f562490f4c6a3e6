package bullmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/jobguard/internal/adapter/queue/shared"
	"github.com/fairyhunter13/jobguard/internal/domain"
)

const (
	readBlock = time.Second
	readCount = 128
)

// eventSubscriber tails the BullMQ events stream and mirrors lifecycle
// entries through the shared base. It owns its goroutine; close blocks
// until the loop exits.
type eventSubscriber struct {
	client redis.UniversalClient
	stream string
	base   *shared.BaseAdapter

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeOne sync.Once
}

func newEventSubscriber(client redis.UniversalClient, stream string, base *shared.BaseAdapter) *eventSubscriber {
	return &eventSubscriber{client: client, stream: stream, base: base}
}

func (s *eventSubscriber) start(ctx context.Context) {
	// The subscriber outlives the caller's context; close owns its
	// cancellation. A short-lived init context must not kill the stream.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go s.consume(loopCtx)
}

func (s *eventSubscriber) consume(ctx context.Context) {
	defer s.wg.Done()

	// "$" means only entries appended after attach; historical events
	// belong to lifecycles the repository already mirrored.
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Block:   readBlock,
			Count:   readCount,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.base.Log.Warn("events stream read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(readBlock):
			}
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				s.dispatch(ctx, entry.Values)
			}
		}
	}
}

func (s *eventSubscriber) dispatch(ctx context.Context, values map[string]any) {
	event, _ := values["event"].(string)
	jobID, _ := values["jobId"].(string)
	if jobID == "" {
		return
	}
	switch event {
	case "active":
		s.base.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventActive, JobID: jobID})
	case "completed":
		s.base.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventCompleted, JobID: jobID})
	case "failed":
		reason, _ := values["failedReason"].(string)
		s.base.HandleEvent(ctx, domain.JobEvent{Kind: domain.EventFailed, JobID: jobID, FailedReason: reason})
	}
}

func (s *eventSubscriber) close() {
	s.closeOne.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}
