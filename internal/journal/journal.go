// Package journal implements the opt-in durability mirror described by the
// ambient stack: dispatched envelopes are appended to a snappy-compressed
// JSON-lines file, alongside a zstd-compressed binary index that records
// where each entry landed in the decompressed event stream. The journal is
// a pure subscriber — it never sits on the delivery-critical path and is
// never a source of truth for dispatch.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"fulcrum/messagebus/internal/envelope"
)

// indexEntrySize is the fixed width of one binary index record: sequence
// (uint64), offset into the decompressed event stream (uint64), encoded
// record length including its trailing newline (uint32), and persisted-at
// wall clock time as UnixNano (int64).
const indexEntrySize = 8 + 8 + 4 + 8

// Record is one append-only entry: a snapshot of a dispatched envelope plus
// the sequence number and wall-clock time it was persisted at.
type Record struct {
	Sequence    uint64    `json:"sequence"`
	Envelope    Snapshot  `json:"envelope"`
	PersistedAt time.Time `json:"persistedAt"`
}

// Snapshot is the JSON-stable projection of envelope.Envelope persisted to disk.
type Snapshot struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	SourceServer  string    `json:"sourceServer"`
	TargetServer  *string   `json:"targetServer,omitempty"`
	CorrelationID *string   `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// IndexEntry locates one Record inside the decompressed event stream of the
// session that wrote it. Offsets are only valid against the event stream
// produced by the same Open call: each reopen starts both streams fresh.
type IndexEntry struct {
	Sequence    uint64
	Offset      uint64
	Length      uint32
	PersistedAt time.Time
}

// Journal appends dispatched envelopes to a snappy-compressed JSON-lines
// file and mirrors their placement into a zstd-compressed index file.
type Journal struct {
	mu     sync.Mutex
	now    func() time.Time
	offset uint64

	eventFile *os.File
	events    *snappy.Writer

	indexFile *os.File
	index     *zstd.Encoder

	sequence uint64
}

// Open creates (or appends to) the journal file at path and an adjacent
// "<path>.idx.zst" index file, preparing both compressed write streams.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: path must not be blank")
	}

	eventFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	indexPath := path + ".idx.zst"
	indexFile, err := os.OpenFile(indexPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		eventFile.Close()
		return nil, fmt.Errorf("journal: open %s: %w", indexPath, err)
	}

	indexEncoder, err := zstd.NewWriter(indexFile)
	if err != nil {
		eventFile.Close()
		indexFile.Close()
		return nil, fmt.Errorf("journal: init index encoder: %w", err)
	}

	return &Journal{
		now:       time.Now,
		eventFile: eventFile,
		events:    snappy.NewBufferedWriter(eventFile),
		indexFile: indexFile,
		index:     indexEncoder,
	}, nil
}

// Record persists env as the next sequence entry, flushing both streams
// immediately so a crash never loses more than the in-flight write.
func (j *Journal) Record(env envelope.Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++
	persistedAt := j.now()
	record := Record{
		Sequence: j.sequence,
		Envelope: Snapshot{
			ID:            env.ID,
			Type:          env.Type,
			SourceServer:  env.SourceServer,
			TargetServer:  env.TargetServer,
			CorrelationID: env.CorrelationID,
			Timestamp:     env.Timestamp,
		},
		PersistedAt: persistedAt,
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	line = append(line, '\n')

	offset := j.offset
	if _, err := j.events.Write(line); err != nil {
		return fmt.Errorf("journal: write record: %w", err)
	}
	if err := j.events.Flush(); err != nil {
		return fmt.Errorf("journal: flush event stream: %w", err)
	}
	j.offset += uint64(len(line))

	if err := j.appendIndexEntry(j.sequence, offset, len(line), persistedAt); err != nil {
		return err
	}
	return nil
}

func (j *Journal) appendIndexEntry(sequence, offset uint64, length int, persistedAt time.Time) error {
	entry := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint64(entry[0:8], sequence)
	binary.LittleEndian.PutUint64(entry[8:16], offset)
	binary.LittleEndian.PutUint32(entry[16:20], uint32(length))
	binary.LittleEndian.PutUint64(entry[20:28], uint64(persistedAt.UnixNano()))

	if _, err := j.index.Write(entry); err != nil {
		return fmt.Errorf("journal: write index entry: %w", err)
	}
	if err := j.index.Flush(); err != nil {
		return fmt.Errorf("journal: flush index stream: %w", err)
	}
	return nil
}

// Subscriber returns a messagebus.Handler-shaped function that records every
// envelope it observes, ignoring the decoded payload. Errors are passed to
// onError instead of being returned, so the journal never fails delivery;
// pass nil to discard errors silently.
func (j *Journal) Subscriber(onError func(error)) func(payload any, env envelope.Envelope) {
	return func(_ any, env envelope.Envelope) {
		if err := j.Record(env); err != nil && onError != nil {
			onError(err)
		}
	}
}

// Close flushes and closes both the event and index streams, returning the
// first error encountered so callers still see every attempted cleanup.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	if err := j.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.indexFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("journal: close: %w", firstErr)
	}
	return nil
}
