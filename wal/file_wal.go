package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	// WAL file settings
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 10 * 1024 * 1024 // 10MB max record size
	defaultBufSize    = 64 * 1024        // 64KB buffer
	defaultMaxSegSize = 64 * 1024 * 1024 // 64MB default segment size

	// Default pool buffer size for decoder
	defaultPoolBufSize = 4096

	segmentPrefix = "wal"
)

// Byte pool to reduce GC pressure in WAL decoder.
// Buffers are reused for reading record data, then copied for the final Message.
var decoderPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, defaultPoolBufSize)
		return &buf
	},
}

// FileWAL is a segmented file-based WAL. Each record is framed as a 4-byte
// big-endian length, the CBOR-encoded Message, and a 4-byte CRC32 of the data.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	segments     segmentRange
	started      bool
	segmentIndex int   // Current segment index
	segmentSize  int64 // Current segment size in bytes
	maxSegSize   int64 // Maximum segment size before rotation

	// Maps epoch -> segment index where its EpochEnd record was written
	epochIndex map[uint64]int
}

// NewFileWAL creates a new file-based WAL
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize)
}

// NewFileWALWithOptions creates a new file-based WAL with custom max segment size
func NewFileWALWithOptions(dir string, maxSegSize int64) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}

	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
	}, nil
}

// segmentRange is the span of segment indexes present on disk
type segmentRange struct {
	MinIndex int
	MaxIndex int
}

// Start opens the WAL for appending, continuing the highest existing segment
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.epochIndex = make(map[uint64]int)

	segments := findSegments(w.dir)
	if len(segments) > 0 {
		w.segments.MinIndex = segments[0]
		w.segmentIndex = segments[len(segments)-1]
	}
	w.segments.MaxIndex = w.segmentIndex

	w.buildIndex(segments)

	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// buildIndex scans segments and records where each epoch ends.
// A corrupted tail stops indexing of that segment only.
func (w *FileWAL) buildIndex(segments []int) {
	for _, idx := range segments {
		file, err := os.Open(w.segmentPath(idx))
		if err != nil {
			continue
		}

		dec := newDecoder(bufio.NewReader(file))
		for {
			msg, err := dec.Decode()
			if err != nil {
				break
			}
			if msg.Type == MsgTypeEpochEnd {
				w.epochIndex[msg.Epoch] = idx
			}
		}
		file.Close()
	}
}

// segmentPath returns the file path for a segment index
func (w *FileWAL) segmentPath(index int) string {
	return segmentPath(w.dir, index)
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%05d", segmentPrefix, index))
}

// openSegment opens a segment file for writing
func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes and closes the WAL file
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Write writes a record to the WAL (buffered)
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(msg)
}

// WriteSync writes a record and syncs to disk
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

// write appends msg, rotating first if the segment is full.
// Caller must hold w.mu.
func (w *FileWAL) write(msg *Message) error {
	if !w.started {
		return ErrWALClosed
	}

	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if msg.Type == MsgTypeEpochEnd {
		w.epochIndex[msg.Epoch] = w.segmentIndex
	}
	return nil
}

// rotate closes the current segment and opens a new one
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	w.segmentIndex++
	w.segments.MaxIndex = w.segmentIndex
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
// Safe for concurrent use.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

// flushAndSync is the internal version that assumes lock is held
func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForEndEpoch searches for the end of an epoch in the WAL.
// Uses the epoch index to jump straight to the right segment when available.
func (w *FileWAL) SearchForEndEpoch(epoch uint64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrWALClosed
	}

	// Flush any pending writes so readers see them
	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	if segIdx, ok := w.epochIndex[epoch]; ok {
		reader, found, err := w.searchSegmentForEndEpoch(segIdx, epoch)
		if err != nil {
			return nil, false, err
		}
		if found {
			return reader, true, nil
		}
		// Index was stale - fall through to full scan
	}

	for idx := w.segments.MinIndex; idx <= w.segments.MaxIndex; idx++ {
		reader, found, err := w.searchSegmentForEndEpoch(idx, epoch)
		if err != nil {
			return nil, false, err
		}
		if found {
			w.epochIndex[epoch] = idx
			return reader, true, nil
		}
	}
	return nil, false, nil
}

// searchSegmentForEndEpoch returns a reader positioned after the EpochEnd
// record of epoch. The reader continues into later segments.
func (w *FileWAL) searchSegmentForEndEpoch(segmentIndex int, epoch uint64) (Reader, bool, error) {
	segments := findSegments(w.dir)
	pos := sort.SearchInts(segments, segmentIndex)
	if pos >= len(segments) || segments[pos] != segmentIndex {
		return nil, false, nil
	}

	reader := &multiSegmentReader{
		dir:      w.dir,
		segments: segments[pos:],
		current:  -1,
	}
	for {
		msg, err := reader.readCurrentSegment()
		if errors.Is(err, io.EOF) {
			reader.Close()
			return nil, false, nil
		}
		if err != nil {
			reader.Close()
			return nil, false, err
		}
		if msg.Type == MsgTypeEpochEnd && msg.Epoch == epoch {
			return reader, true, nil
		}
	}
}

// SegmentCount returns the number of segments
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segments.MaxIndex - w.segments.MinIndex + 1
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)

// encoder frames records onto the WAL
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:   w,
		buf: make([]byte, 4),
	}
}

// Encode writes a record and returns the number of bytes written.
func (e *encoder) Encode(msg *Message) (int, error) {
	data, err := msg.Marshal()
	if err != nil {
		return 0, err
	}
	if len(data) > maxMsgSize {
		return 0, fmt.Errorf("WAL record of %d bytes exceeds %d", len(data), maxMsgSize)
	}

	binary.BigEndian.PutUint32(e.buf, uint32(len(data)))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.buf, crc32.ChecksumIEEE(data))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}

	// 4 (length) + data + 4 (crc)
	return 4 + len(data) + 4, nil
}

// decoder reads framed records from the WAL
type decoder struct {
	r   io.Reader
	buf []byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r:   r,
		buf: make([]byte, 4),
	}
}

// Decode reads the next record. A truncated trailing record is reported as
// io.ErrUnexpectedEOF; a checksum mismatch as ErrWALCorrupted.
func (d *decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.buf)
	if length > maxMsgSize {
		return nil, fmt.Errorf("%w: record length %d", ErrWALCorrupted, length)
	}

	poolBufPtr := decoderPool.Get().(*[]byte)
	poolBuf := *poolBufPtr
	defer func() {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
	}()

	if cap(poolBuf) < int(length) {
		poolBuf = make([]byte, length)
	} else {
		poolBuf = poolBuf[:length]
	}

	if _, err := io.ReadFull(d.r, poolBuf); err != nil {
		return nil, unexpected(err)
	}
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, unexpected(err)
	}
	expectedCRC := binary.BigEndian.Uint32(d.buf)
	actualCRC := crc32.ChecksumIEEE(poolBuf)
	if expectedCRC != actualCRC {
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expectedCRC, actualCRC)
	}

	// Message takes ownership of a copy
	data := make([]byte, length)
	copy(data, poolBuf)

	msg := &Message{}
	if err := msg.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	return msg, nil
}

// unexpected turns a clean EOF in the middle of a record into ErrUnexpectedEOF
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// OpenWALForReading opens a WAL for reading from the beginning
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}
	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1, // Incremented to 0 on first read
	}, nil
}

// findSegments returns the sorted segment indices present in dir
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), segmentPrefix+"-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

// multiSegmentReader reads through consecutive WAL segments
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	file     *os.File
	dec      *decoder
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		msg, err := r.readCurrentSegment()
		if errors.Is(err, io.EOF) {
			if r.current >= len(r.segments)-1 {
				return nil, io.EOF
			}
			// End of this segment, move to next
			r.closeCurrent()
			continue
		}
		return msg, err
	}
}

// readCurrentSegment reads from the open segment, opening the next one if none is open.
// Returns io.EOF at the end of the open segment.
func (r *multiSegmentReader) readCurrentSegment() (*Message, error) {
	if r.file == nil {
		r.current++
		if r.current >= len(r.segments) {
			return nil, io.EOF
		}
		file, err := os.Open(segmentPath(r.dir, r.segments[r.current]))
		if err != nil {
			return nil, err
		}
		r.file = file
		r.dec = newDecoder(bufio.NewReader(file))
	}
	return r.dec.Decode()
}

func (r *multiSegmentReader) closeCurrent() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.dec = nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
