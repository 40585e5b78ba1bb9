package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/callcore/pkg/audio"
)

func drainEvent(t *testing.T, events <-chan audio.QueueEvent, kind audio.QueueEventKind) audio.QueueEvent {
	t.Helper()
	select {
	case evt := <-events:
		if evt.Kind != kind {
			t.Fatalf("expected event kind %d, got %d", kind, evt.Kind)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event kind %d", kind)
		return audio.QueueEvent{}
	}
}

func TestPacedQueue_EmitsChunksInOrder(t *testing.T) {
	q := audio.NewPacedQueue(audio.PacedQueueConfig{
		SendIntervalMs: 5,
		ChunkSize:      4,
		SampleRate:     16000,
	})
	defer q.Close()

	q.Enqueue([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	first := drainEvent(t, q.Events(), audio.QueueEventChunk)
	if len(first.Chunk) != 4 || first.Chunk[0] != 1 {
		t.Fatalf("unexpected first chunk: %v", first.Chunk)
	}
	second := drainEvent(t, q.Events(), audio.QueueEventChunk)
	if len(second.Chunk) != 4 || second.Chunk[0] != 5 {
		t.Fatalf("unexpected second chunk: %v", second.Chunk)
	}
	drainEvent(t, q.Events(), audio.QueueEventPlaybackStopped)

	processed, dropped := q.Stats()
	if processed != 2 {
		t.Errorf("expected 2 chunks processed, got %d", processed)
	}
	if dropped != 0 {
		t.Errorf("expected 0 chunks dropped, got %d", dropped)
	}
}

func TestPacedQueue_DropsOldestWhenFull(t *testing.T) {
	q := audio.NewPacedQueue(audio.PacedQueueConfig{
		SendIntervalMs: 1000, // slow enough that enqueues outrun draining
		MaxQueueSize:   2,
		ChunkSize:      1,
		SampleRate:     16000,
	})
	defer q.Close()

	q.Enqueue([]byte{1})
	q.Enqueue([]byte{2})
	q.Enqueue([]byte{3})

	_, dropped := q.Stats()
	if dropped != 1 {
		t.Errorf("expected 1 chunk dropped, got %d", dropped)
	}
}

func TestPacedQueue_ClearEmitsOnlyWhenNonEmpty(t *testing.T) {
	q := audio.NewPacedQueue(audio.PacedQueueConfig{
		SendIntervalMs: 1000,
		ChunkSize:      4,
		SampleRate:     16000,
	})
	defer q.Close()

	// Clearing an empty queue must not emit anything.
	q.Clear()
	select {
	case evt := <-q.Events():
		t.Fatalf("expected no event from clearing empty queue, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue([]byte{1, 2, 3, 4})
	// Drain the playback-start tick's chunk event isn't guaranteed before
	// Clear races with the first tick, so clear immediately and expect a
	// QueueEventCleared for the still-queued chunk.
	q.Clear()
	evt := drainEvent(t, q.Events(), audio.QueueEventCleared)
	if evt.Cleared != 1 {
		t.Errorf("expected 1 cleared chunk, got %d", evt.Cleared)
	}
}

func TestPacedQueue_InterruptStopsAndEmits(t *testing.T) {
	q := audio.NewPacedQueue(audio.PacedQueueConfig{
		SendIntervalMs: 1000,
		ChunkSize:      4,
		SampleRate:     16000,
	})
	defer q.Close()

	q.Enqueue([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	q.Interrupt()

	evt := drainEvent(t, q.Events(), audio.QueueEventCleared)
	if evt.Cleared != 1 {
		t.Errorf("expected 1 cleared chunk, got %d", evt.Cleared)
	}
	drainEvent(t, q.Events(), audio.QueueEventInterrupted)

	if dur := q.QueueDurationMs(); dur != 0 {
		t.Errorf("expected 0 queue duration after interrupt, got %f", dur)
	}
}

func TestPacedQueue_InterruptIsIdempotent(t *testing.T) {
	q := audio.NewPacedQueue(audio.PacedQueueConfig{
		SendIntervalMs: 1000,
		ChunkSize:      4,
		SampleRate:     16000,
	})
	defer q.Close()

	q.Interrupt()
	drainEvent(t, q.Events(), audio.QueueEventInterrupted)

	// A second interrupt on an already-empty, already-stopped queue should
	// still just emit QueueEventInterrupted, no panics or duplicate clears.
	q.Interrupt()
	drainEvent(t, q.Events(), audio.QueueEventInterrupted)
}

func TestPacedQueue_QueueDurationMs(t *testing.T) {
	q := audio.NewPacedQueue(audio.PacedQueueConfig{
		SendIntervalMs: 1000,
		ChunkSize:      4,
		SampleRate:     16000, // 32 bytes/ms
	})
	defer q.Close()

	q.Enqueue(make([]byte, 320)) // 10ms of 16kHz mono PCM16
	dur := q.QueueDurationMs()
	if dur < 9.9 || dur > 10.1 {
		t.Errorf("expected ~10ms queue duration, got %f", dur)
	}
}

func TestChunkSizeForRate(t *testing.T) {
	if got := audio.ChunkSizeForRate(16000); got != audio.ChunkSize16kMono {
		t.Errorf("16kHz: got %d, want %d", got, audio.ChunkSize16kMono)
	}
	if got := audio.ChunkSizeForRate(24000); got != audio.ChunkSize24kMono {
		t.Errorf("24kHz: got %d, want %d", got, audio.ChunkSize24kMono)
	}
}
