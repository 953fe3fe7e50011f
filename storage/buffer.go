// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/pkg/metrics"
	"github.com/soothill/env-data-logger/pkg/util"
)

const (
	defaultBufferPath = "/var/lib/env-data-logger/buffer.json"
	bufferFileMode    = 0644
	bufferDirMode     = 0755
	corruptSuffix     = ".corrupt"
)

// Buffer is a FIFO queue of readings backed by a single JSON file.
//
// Every mutation rewrites the whole file through an atomic replace, so a
// crash loses at most the operation in flight and the file on disk is
// always a complete JSON array. The queue has no capacity limit; a long
// outage grows it until connectivity returns.
type Buffer struct {
	path  string
	mu    sync.Mutex
	queue []interfaces.Reading
	size  atomic.Int64
	dirty bool // last save failed; retried on the next mutation or Close
}

// NewBuffer creates a buffer backed by path and loads any persisted backlog.
// Only a failure to create the parent directory is returned as an error;
// a missing or unreadable file starts an empty buffer.
func NewBuffer(path string) (*Buffer, error) {
	if path == "" {
		path = defaultBufferPath
	}

	if err := os.MkdirAll(filepath.Dir(path), bufferDirMode); err != nil {
		return nil, apperrors.NewStorageError("create buffer directory", "", err)
	}

	b := &Buffer{path: path}
	b.queue = b.load()
	b.size.Store(int64(len(b.queue)))
	metrics.BufferBacklog.Set(float64(len(b.queue)))

	return b, nil
}

// load reads the backing file. Corrupt content is moved aside so the next
// save cannot overwrite it, and the buffer starts empty.
func (b *Buffer) load() []interfaces.Reading {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info().Str("path", b.path).Msg("Buffer file not found, starting with empty buffer")
		} else {
			logger.Warn().Err(err).Str("path", b.path).Msg("Failed to read buffer file, starting with empty buffer")
		}
		return nil
	}

	var stored []interfaces.Reading
	if err := json.Unmarshal(data, &stored); err != nil {
		corruptPath := b.path + corruptSuffix
		if renameErr := os.Rename(b.path, corruptPath); renameErr != nil {
			logger.Warn().Err(renameErr).Str("path", b.path).Msg("Failed to move corrupt buffer file aside")
			corruptPath = ""
		}
		logger.Warn().Err(err).
			Str("path", b.path).
			Str("moved_to", corruptPath).
			Int("bytes", len(data)).
			Msg("Buffer file is corrupt, starting with empty buffer; backlog lost")
		return nil
	}

	readings := make([]interfaces.Reading, 0, len(stored))
	dropped := 0
	for _, r := range stored {
		if err := r.Validate(); err != nil {
			dropped++
			logger.Warn().Err(err).Msg("Dropping invalid reading from buffer file")
			continue
		}
		readings = append(readings, r)
	}

	logger.Info().Str("path", b.path).
		Int("backlog", len(readings)).
		Int("dropped", dropped).
		Msg("Loaded buffered readings")

	return readings
}

// Append adds a reading to the tail and persists the queue before returning.
// It never fails: a save error is logged and the reading stays in memory
// until a later save succeeds.
func (b *Buffer) Append(reading interfaces.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = append(b.queue, reading.Clone())
	b.size.Store(int64(len(b.queue)))
	metrics.BufferAppendsTotal.Inc()
	metrics.BufferBacklog.Set(float64(len(b.queue)))

	if err := b.saveLocked(); err != nil {
		logger.Error().Err(err).
			Str("measurement", reading.Measurement).
			Int("backlog", len(b.queue)).
			Msg("Failed to persist buffer, reading held in memory only")
		return
	}

	logger.Debug().
		Str("measurement", reading.Measurement).
		Int("backlog", len(b.queue)).
		Msg("Buffered reading")
}

// Flush writes up to maxItems of the oldest readings through sink, stopping
// at the first failure. Delivered readings are removed; the failed reading
// and everything after it stay at the head in their original order.
// A maxItems of zero or less flushes the whole backlog.
// It returns the number of readings delivered and the first write error.
func (b *Buffer) Flush(ctx context.Context, maxItems int, sink interfaces.Sink) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return 0, nil
	}

	limit := len(b.queue)
	if maxItems > 0 && maxItems < limit {
		limit = maxItems
	}

	flushed := 0
	var writeErr error
	for flushed < limit {
		if err := ctx.Err(); err != nil {
			writeErr = err
			break
		}
		reading := b.queue[flushed]
		if err := sink.Write(ctx, reading); err != nil {
			writeErr = apperrors.NewStorageError("flush", reading.Measurement, err)
			break
		}
		flushed++
	}

	if flushed > 0 {
		b.queue = append([]interfaces.Reading(nil), b.queue[flushed:]...)
		b.size.Store(int64(len(b.queue)))
		metrics.BufferFlushedTotal.Add(float64(flushed))
		metrics.BufferBacklog.Set(float64(len(b.queue)))
	}

	if flushed > 0 || b.dirty {
		if err := b.saveLocked(); err != nil {
			logger.Error().Err(err).Int("backlog", len(b.queue)).Msg("Failed to persist buffer after flush")
		}
	}

	if flushed > 0 {
		logger.Info().Int("flushed", flushed).Int("remaining", len(b.queue)).Msg("Flushed buffered readings")
	}
	if writeErr != nil {
		logger.Warn().Err(writeErr).Int("flushed", flushed).Int("remaining", len(b.queue)).
			Msg("Flush stopped, remaining readings retained")
	}

	return flushed, writeErr
}

// IsEmpty reports whether the backlog is empty
func (b *Buffer) IsEmpty() bool {
	return b.size.Load() == 0
}

// Len returns the backlog length. Safe to call while a flush is in progress.
func (b *Buffer) Len() int {
	return int(b.size.Load())
}

// Snapshot returns a copy of the queued readings, oldest first
func (b *Buffer) Snapshot() []interfaces.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]interfaces.Reading, len(b.queue))
	for i, r := range b.queue {
		out[i] = r.Clone()
	}
	return out
}

// Path returns the backing file path
func (b *Buffer) Path() string {
	return b.path
}

// Save persists the queue immediately
func (b *Buffer) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveLocked()
}

// Close retries a pending save. The file is left in place so the next run
// resumes the backlog.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dirty {
		return nil
	}
	if err := b.saveLocked(); err != nil {
		return err
	}
	logger.Info().Int("backlog", len(b.queue)).Msg("Pending buffer state saved on close")
	return nil
}

// saveLocked writes the queue to disk. Caller must hold b.mu.
func (b *Buffer) saveLocked() error {
	queue := b.queue
	if queue == nil {
		queue = []interfaces.Reading{}
	}

	data, err := json.Marshal(queue)
	if err != nil {
		b.dirty = true
		metrics.BufferPersistErrors.Inc()
		return apperrors.NewStorageError("encode buffer", "", err)
	}

	if err := util.WriteFileAtomic(b.path, data, bufferFileMode); err != nil {
		b.dirty = true
		metrics.BufferPersistErrors.Inc()
		return apperrors.NewStorageError("save buffer", "", fmt.Errorf("%s: %w", b.path, err))
	}

	b.dirty = false
	return nil
}
