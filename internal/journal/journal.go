package journal

// ============================================================================
// Run journal
// Responsibilities:
// 1. Append every event exchanged with the worker to a file (append-only)
// 2. Checksum each record so a damaged journal is detected on read
// 3. Batch writes; flush on a full buffer, an elapsed interval, or Close
// 4. Read records back in order for offline replay
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

var (
	ErrCorrupted        = errors.New("journal: record is corrupted")
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	ErrClosed           = errors.New("journal: already closed")
)

// Direction tells whether a record was sent to or received from the worker.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Record is one journal line.
type Record struct {
	Seq       uint64          `json:"seq"`       // monotonically increasing, starts at 1
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Direction Direction       `json:"direction"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  uint32          `json:"checksum"` // CRC32-IEEE over seq, direction, event and payload
}

// Envelope returns the event carried by r.
func (r Record) Envelope() types.Envelope {
	return types.Envelope{Event: r.Event, Payload: r.Payload}
}

func checksum(seq uint64, dir Direction, event string, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte(dir))
	h.Write([]byte(event))
	h.Write(payload)
	return h.Sum32()
}

// Verify reports whether the stored checksum matches the record.
func (r Record) Verify() bool {
	return r.Checksum == checksum(r.Seq, r.Direction, r.Event, r.Payload)
}

type file interface {
	io.Writer
	Sync() error
	Close() error
}

// Journal appends records to a single file.
type Journal struct {
	mu           sync.Mutex
	file         file
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time

	buffer        []Record
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Open creates path or continues an existing journal after its last record.
// With syncOnAppend every Append is flushed and synced before it returns.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)

	return &Journal{
		file:          f,
		encoder:       enc,
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		now:           time.Now,
		buffer:        make([]Record, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Path returns the journal file.
func (j *Journal) Path() string {
	return j.path
}

// Append adds one event. The payload is stored verbatim.
func (j *Journal) Append(dir Direction, env types.Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	// compact form, so the checksum matches what the encoder writes
	var payload bytes.Buffer
	if len(env.Payload) == 0 {
		payload.WriteString("null")
	} else if err := json.Compact(&payload, env.Payload); err != nil {
		return fmt.Errorf("journal: %s payload is not JSON: %w", env.Event, err)
	}

	j.seq++
	rec := Record{
		Seq:       j.seq,
		Timestamp: j.now().UnixMilli(),
		Direction: dir,
		Event:     env.Event,
		Payload:   json.RawMessage(payload.Bytes()),
	}
	rec.Checksum = checksum(rec.Seq, rec.Direction, rec.Event, rec.Payload)
	j.buffer = append(j.buffer, rec)

	if j.syncOnAppend || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered records and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// LastSeq returns the sequence number of the newest record.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// flushLocked assumes j.mu is held.
func (j *Journal) flushLocked() error {
	for _, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			return fmt.Errorf("journal: append failed at seq=%d: %w", rec.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// ============================================================================
// Reading
// ============================================================================

// Read calls handler for every record of the journal at path, in order.
// It stops at the first undecodable record, checksum mismatch or handler error.
func Read(path string, handler func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorrupted, line, err)
		}
		if !rec.Verify() {
			return fmt.Errorf("%w: line %d (seq=%d)", ErrChecksumMismatch, line, rec.Seq)
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// lastSeq returns the seq of the final record, or 0 for a missing or empty file.
func lastSeq(path string) (uint64, error) {
	var seq uint64
	err := Read(path, func(rec Record) error {
		seq = rec.Seq
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return seq, err
}
