package codec

import (
	"fmt"
	"sync"

	cerrors "github.com/zsiec/hwcodec/internal/errors"
)

// FrameMetadata describes a submitted frame until its encoded output is
// drained.
type FrameMetadata struct {
	Width  int
	Height int
	// Timestamp is the caller's 90 kHz presentation timestamp.
	Timestamp uint32
	// TimestampUs is the device timestamp the frame was submitted with.
	TimestampUs  int64
	RenderTimeMs int64
}

// FrameMetadataStore maps device timestamps to the metadata of in-flight
// frames. It is shared between the submitting goroutine and the drain loop.
type FrameMetadataStore struct {
	mu      sync.Mutex
	entries map[int64]FrameMetadata
}

// NewFrameMetadataStore creates an empty store.
func NewFrameMetadataStore() *FrameMetadataStore {
	return &FrameMetadataStore{entries: make(map[int64]FrameMetadata)}
}

// Push records md under timestampUs. A timestamp may only be reused after
// the previous entry was popped.
func (s *FrameMetadataStore) Push(timestampUs int64, md FrameMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[timestampUs]; exists {
		return cerrors.NewProtocolViolationError("metadata.push",
			fmt.Sprintf("timestamp %dus already pending", timestampUs))
	}
	md.TimestampUs = timestampUs
	s.entries[timestampUs] = md
	return nil
}

// Pop removes and returns the metadata for timestampUs. An absent key means
// the device produced output for an input that was never submitted.
func (s *FrameMetadataStore) Pop(timestampUs int64) (FrameMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.entries[timestampUs]
	if !ok {
		return FrameMetadata{}, absentKey("metadata.pop", timestampUs)
	}
	delete(s.entries, timestampUs)
	return md, nil
}

// Peek returns the metadata for timestampUs without removing it.
func (s *FrameMetadataStore) Peek(timestampUs int64) (FrameMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.entries[timestampUs]
	if !ok {
		return FrameMetadata{}, absentKey("metadata.peek", timestampUs)
	}
	return md, nil
}

// Len returns the number of pending entries.
func (s *FrameMetadataStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EvictBefore removes every entry older than timestampUs and returns how many
// were removed. Output is produced in submission order, so once a frame is
// drained nothing earlier can still be answered.
func (s *FrameMetadataStore) EvictBefore(timestampUs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for ts := range s.entries {
		if ts < timestampUs {
			delete(s.entries, ts)
			n++
		}
	}
	return n
}

// Clear drops every pending entry.
func (s *FrameMetadataStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int64]FrameMetadata)
}

func absentKey(op string, timestampUs int64) error {
	return cerrors.NewProtocolViolationError(op,
		fmt.Sprintf("no metadata for device timestamp %dus", timestampUs))
}
