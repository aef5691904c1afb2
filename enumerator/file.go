package enumerator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/tlv"
)

// FormatVersion is written into the header record of every enumerator file.
const FormatVersion = 1

var magic = []byte("mrenum")

type FileOptions struct {
	ReadOnly bool
	// Sync fsyncs the file after every new symbol.
	Sync bool
}

// File is an enumerator persisted as an append-only log of TLV records:
// one 'H' header, then one 'S' record per symbol. An 'S' body is an
// xxhash64 (little endian) of the id and symbol, followed by the symbol
// bytes. The n-th 'S' record holds id n.
//
// Writers are serialized; readers never block on a writer's disk I/O.
type File struct {
	path string
	opts FileOptions

	mu   sync.Mutex
	file *os.File
	size int64

	ids     *xsync.MapOf[string, SymbolID]
	symMu   sync.RWMutex
	symbols []string

	truncated int64
}

func header() []byte {
	return tlv.Record('H', magic, tlv.ZipUint64(FormatVersion))
}

func checksum(id SymbolID, symbol string) uint64 {
	buf := make([]byte, 4, 4+len(symbol))
	binary.BigEndian.PutUint32(buf, uint32(id))
	buf = append(buf, symbol...)
	return xxhash.Sum64(buf)
}

func symbolRecord(id SymbolID, symbol string) []byte {
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], checksum(id, symbol))
	return tlv.Record('S', sum[:], []byte(symbol))
}

func corrupted(path string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", mrerrors.ErrStorageCorrupted, path, fmt.Sprintf(format, args...))
}

// Open loads the enumerator at path, creating it unless read-only.
// A torn trailing record left by a crash is cut off; anything else that
// does not parse is reported as mrerrors.ErrStorageCorrupted.
func Open(path string, opts FileOptions) (*File, error) {
	e := &File{
		path: path,
		opts: opts,
		ids:  xsync.NewMapOf[string, SymbolID](),
	}
	flags := os.O_RDWR | os.O_CREATE | os.O_APPEND
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if opts.ReadOnly && errors.Is(err, os.ErrNotExist) {
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		_ = file.Close()
		return nil, errors.Join(corrupted(path, "read failed"), err)
	}
	e.file = file
	valid, err := e.load(data)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if valid < int64(len(data)) && !opts.ReadOnly {
		if err := file.Truncate(valid); err != nil {
			_ = file.Close()
			return nil, err
		}
		e.truncated = int64(len(data)) - valid
	}
	e.size = valid
	if e.size == 0 && !opts.ReadOnly {
		if _, err := e.append(header()); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return e, nil
}

// load replays the log and returns the length of its intact prefix.
func (e *File) load(data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	body, rest, err := tlv.TakeWary('H', data)
	if errors.Is(err, tlv.ErrIncomplete) {
		return 0, nil
	}
	if err != nil {
		return 0, corrupted(e.path, "bad header")
	}
	if !bytes.HasPrefix(body, magic) {
		return 0, corrupted(e.path, "not an enumerator file")
	}
	if v := tlv.UnzipUint64(body[len(magic):]); v != FormatVersion {
		return 0, fmt.Errorf("%w: %s: enumerator format %d, want %d",
			mrerrors.ErrStorageCorrupted, e.path, v, FormatVersion)
	}
	for len(rest) > 0 {
		lit, body, next, err := tlv.TakeAnyWary(rest)
		if errors.Is(err, tlv.ErrIncomplete) {
			break
		}
		if err != nil || lit != 'S' || len(body) < 8 {
			return 0, corrupted(e.path, "bad record at offset %d", len(data)-len(rest))
		}
		id := SymbolID(len(e.symbols) + 1)
		symbol := string(body[8:])
		if binary.LittleEndian.Uint64(body[:8]) != checksum(id, symbol) {
			return 0, corrupted(e.path, "checksum mismatch for id %d", id)
		}
		if _, dup := e.ids.Load(symbol); dup {
			return 0, corrupted(e.path, "symbol %q assigned twice", symbol)
		}
		e.symbols = append(e.symbols, symbol)
		e.ids.Store(symbol, id)
		rest = next
	}
	return int64(len(data) - len(rest)), nil
}

func (e *File) append(rec []byte) (int, error) {
	n, err := e.file.Write(rec)
	if err != nil {
		// drop whatever part made it so the log stays parseable
		_ = e.file.Truncate(e.size)
		return 0, err
	}
	if e.opts.Sync {
		if err := e.file.Sync(); err != nil {
			return 0, err
		}
	}
	e.size += int64(n)
	return n, nil
}

func (e *File) IDFor(symbol string) (SymbolID, error) {
	if id, ok := e.ids.Load(symbol); ok {
		return id, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.ids.Load(symbol); ok {
		return id, nil
	}
	if e.opts.ReadOnly {
		return None, fmt.Errorf("%w: new symbol in %s", mrerrors.ErrReadOnly, e.path)
	}
	if e.file == nil {
		return None, mrerrors.ErrDisposed
	}
	if len(symbol) > tlv.MaxBodyLen-8 {
		return None, fmt.Errorf("symbol too long: %d bytes", len(symbol))
	}
	id := SymbolID(e.Len() + 1)
	if _, err := e.append(symbolRecord(id, symbol)); err != nil {
		return None, err
	}
	e.symMu.Lock()
	e.symbols = append(e.symbols, symbol)
	e.symMu.Unlock()
	e.ids.Store(symbol, id)
	return id, nil
}

func (e *File) SymbolFor(id SymbolID) (string, error) {
	e.symMu.RLock()
	defer e.symMu.RUnlock()
	if id == None || int(id) > len(e.symbols) {
		return "", notFound(id)
	}
	return e.symbols[id-1], nil
}

func (e *File) Lookup(symbol string) (SymbolID, bool) {
	return e.ids.Load(symbol)
}

func (e *File) Len() int {
	e.symMu.RLock()
	defer e.symMu.RUnlock()
	return len(e.symbols)
}

func (e *File) Path() string {
	return e.path
}

// Truncated reports how many bytes of a torn tail Open cut off.
func (e *File) Truncated() int64 {
	return e.truncated
}

func (e *File) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil || e.opts.ReadOnly {
		return nil
	}
	return e.file.Sync()
}

func (e *File) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	var err error
	if !e.opts.ReadOnly {
		err = e.file.Sync()
	}
	err = errors.Join(err, e.file.Close())
	e.file = nil
	return err
}
