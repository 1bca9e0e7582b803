// Package ingest implements the audio capture buffer: sequenced PCM chunks
// accumulate in memory, spill to a per-session temp file past a threshold,
// and finalize into a single contiguous utterance. The buffer enforces the
// sequence-gap tolerance, the hard recording ceiling, and the session disk
// budget.
package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voicepin/voicepin/pkg/audio"
)

// Buffer errors.
var (
	// ErrGapTooLarge aborts the recording: the chunk sequence jumped past
	// the configured tolerance.
	ErrGapTooLarge = errors.New("ingest: sequence gap exceeds tolerance")

	// ErrQuotaExceeded aborts the recording: the next chunk would pass the
	// recording ceiling or the session disk budget.
	ErrQuotaExceeded = errors.New("ingest: recording quota exceeded")

	// ErrFinalized is returned when appending to a finished buffer.
	ErrFinalized = errors.New("ingest: buffer already finalized")
)

// Config parameterizes a Buffer.
type Config struct {
	// SampleRate and Channels describe the incoming PCM.
	SampleRate int
	Channels   int

	// MaxBytes is the hard recording ceiling.
	MaxBytes int64

	// SeqTolerance is the largest forward gap that is tolerated (and
	// forward-filled) rather than aborting.
	SeqTolerance int

	// MemorySpillBytes is how much PCM stays in memory before the buffer
	// spills to disk. Zero or negative spills immediately.
	MemorySpillBytes int

	// Dir is the session temp directory for the spill file.
	Dir string

	// DiskBudget, when non-nil, returns the session's remaining disk budget
	// in bytes. Consulted per chunk; the tighter of MaxBytes and the budget
	// wins.
	DiskBudget func() int64
}

// Recording is the finalized utterance.
type Recording struct {
	// PCM is the contiguous audio, memory and spill concatenated in order.
	PCM []byte

	// Chunks is how many chunks were accepted.
	Chunks int

	// Gaps is how many tolerated sequence gaps occurred.
	Gaps int

	// Duration is the utterance play time.
	Duration time.Duration
}

// Buffer ingests one recording. Not safe for concurrent use; the session's
// reader goroutine owns it.
type Buffer struct {
	cfg Config

	started   bool
	expected  int
	total     int64
	chunks    int
	gaps      int
	dups      int
	mem       []byte
	spill     *os.File
	spillPath string
	finalized bool
}

// New creates an empty Buffer.
func New(cfg Config) *Buffer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = audio.DefaultChannels
	}
	return &Buffer{cfg: cfg}
}

// Append ingests one sequenced chunk. The first observed seq anchors the
// numbering (devices start at 0 or 1); afterwards expected = last + 1.
// Chunks behind the expectation are dropped as duplicates. A forward gap
// within tolerance is forward-filled and counted; a larger gap returns
// ErrGapTooLarge and the caller must Abort.
func (b *Buffer) Append(seq int, chunk []byte) error {
	if b.finalized {
		return ErrFinalized
	}

	if !b.started {
		b.started = true
		b.expected = seq
	}

	switch {
	case seq < b.expected:
		b.dups++
		return nil
	case seq > b.expected:
		gap := seq - b.expected
		if gap > b.cfg.SeqTolerance {
			return fmt.Errorf("%w: expected %d, got %d", ErrGapTooLarge, b.expected, seq)
		}
		b.gaps++
	}
	b.expected = seq + 1

	limit := b.cfg.MaxBytes
	if b.cfg.DiskBudget != nil {
		if budget := b.cfg.DiskBudget(); budget < limit {
			limit = budget
		}
	}
	if limit > 0 && b.total+int64(len(chunk)) > limit {
		return fmt.Errorf("%w: %d + %d bytes over limit %d", ErrQuotaExceeded, b.total, len(chunk), limit)
	}

	if err := b.write(chunk); err != nil {
		return err
	}
	b.total += int64(len(chunk))
	b.chunks++
	return nil
}

// write appends chunk to memory or, past the spill threshold, to the spill
// file. Once spilled, everything goes to disk.
func (b *Buffer) write(chunk []byte) error {
	if b.spill == nil && len(b.mem)+len(chunk) <= b.cfg.MemorySpillBytes {
		b.mem = append(b.mem, chunk...)
		return nil
	}

	if b.spill == nil {
		f, err := os.CreateTemp(b.cfg.Dir, "recording-*.pcm")
		if err != nil {
			return fmt.Errorf("ingest: create spill file: %w", err)
		}
		b.spill = f
		b.spillPath = f.Name()
		if len(b.mem) > 0 {
			if _, err := f.Write(b.mem); err != nil {
				return fmt.Errorf("ingest: spill memory buffer: %w", err)
			}
			b.mem = nil
		}
	}

	if _, err := b.spill.Write(chunk); err != nil {
		return fmt.Errorf("ingest: write spill file: %w", err)
	}
	return nil
}

// Finalize closes the buffer and returns the contiguous recording. The byte
// count of Recording.PCM always equals the sum of accepted chunk sizes.
func (b *Buffer) Finalize() (*Recording, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	b.finalized = true

	var pcm []byte
	if b.spill != nil {
		if err := b.spill.Close(); err != nil {
			return nil, fmt.Errorf("ingest: close spill file: %w", err)
		}
		data, err := os.ReadFile(b.spillPath)
		if err != nil {
			return nil, fmt.Errorf("ingest: read spill file: %w", err)
		}
		if err := os.Remove(b.spillPath); err != nil {
			return nil, fmt.Errorf("ingest: remove spill file: %w", err)
		}
		pcm = data
	} else {
		pcm = b.mem
		b.mem = nil
	}

	return &Recording{
		PCM:      pcm,
		Chunks:   b.chunks,
		Gaps:     b.gaps,
		Duration: audio.Duration(len(pcm), b.cfg.SampleRate, b.cfg.Channels),
	}, nil
}

// Abort discards all buffered audio and removes the spill file. Safe to call
// more than once.
func (b *Buffer) Abort() {
	b.finalized = true
	b.mem = nil
	if b.spill != nil {
		b.spill.Close()
		os.Remove(b.spillPath)
		b.spill = nil
	}
}

// Bytes returns the total accepted audio bytes so far.
func (b *Buffer) Bytes() int64 { return b.total }

// Chunks returns the number of accepted chunks so far.
func (b *Buffer) Chunks() int { return b.chunks }

// SpillPath returns the current spill file path, or "" while in memory.
func (b *Buffer) SpillPath() string {
	if b.spill == nil {
		return ""
	}
	return filepath.Clean(b.spillPath)
}
