// Package recfile implements the on-disk employee database format: a 12-octet
// big-endian header followed by fixed-width 516-octet records.
//
// A valid file satisfies file_size = 12 + 516 * count. The record layout is
// shared verbatim with the wire protocol's record stream, so the same binary
// codec serves both.
package recfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Magic identifies an empdb database file.
const Magic uint32 = 0x4C4C4144

// FormatVersion is the file format version. It equals the wire protocol
// version by contract.
const FormatVersion uint16 = 1

const (
	// HeaderSize is the encoded header length in octets.
	HeaderSize = 12

	// FieldSize is the fixed width of the name and address fields, trailing
	// NUL included.
	FieldSize = 256

	// RecordSize is the encoded record length in octets.
	RecordSize = 2*FieldSize + 4

	// MaxRecords is the largest count the 16-bit header field can carry.
	MaxRecords = 0xFFFF
)

var (
	// ErrBadMagic reports a file that does not start with the empdb magic.
	ErrBadMagic = errors.New("recfile: bad magic")

	// ErrBadVersion reports a file written by an incompatible format version.
	ErrBadVersion = errors.New("recfile: unsupported format version")

	// ErrTruncatedHeader reports a file too short to hold a header.
	ErrTruncatedHeader = errors.New("recfile: truncated header")

	// ErrSizeMismatch reports a header whose filesize disagrees with the
	// actual file length.
	ErrSizeMismatch = errors.New("recfile: header filesize does not match file length")

	// ErrShortRead reports a file shorter than its declared record count.
	ErrShortRead = errors.New("recfile: file shorter than declared record count")
)

// Header is the fixed file preamble. All fields are stored big-endian with
// no padding.
type Header struct {
	Magic    uint32
	Version  uint16
	Count    uint16
	FileSize uint32
}

// Record is one employee entry. Name and Address hold at most FieldSize-1
// non-NUL octets followed by a NUL; the layout is written to disk and to the
// wire without padding, with Hours byte-swapped to network order.
type Record struct {
	Name    [FieldSize]byte
	Address [FieldSize]byte
	Hours   uint32
}

// NewRecord builds a record from its three fields, truncating overlong
// strings to FieldSize-1 octets.
func NewRecord(name, address string, hours uint32) Record {
	var r Record
	r.SetName(name)
	r.SetAddress(address)
	r.Hours = hours
	return r
}

// SetName copies s into the fixed-width name field. Input longer than
// FieldSize-1 octets is truncated; the final octet is always NUL.
func (r *Record) SetName(s string) {
	setField(r.Name[:], s)
}

// SetAddress copies s into the fixed-width address field with the same
// truncation policy as SetName.
func (r *Record) SetAddress(s string) {
	setField(r.Address[:], s)
}

// NameString returns the name up to its terminating NUL.
func (r *Record) NameString() string {
	return fieldString(r.Name[:])
}

// AddressString returns the address up to its terminating NUL.
func (r *Record) AddressString() string {
	return fieldString(r.Address[:])
}

func setField(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst[:len(dst)-1], s)
}

func fieldString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// SizeFor returns the exact file size for a record count.
func SizeFor(count int) uint32 {
	return uint32(HeaderSize + count*RecordSize)
}

// NewHeader returns a header describing count records.
func NewHeader(count int) Header {
	return Header{
		Magic:    Magic,
		Version:  FormatVersion,
		Count:    uint16(count),
		FileSize: SizeFor(count),
	}
}

// Create opens path exclusively and writes an empty-database header. It
// fails when path already exists; callers detect that case with
// errors.Is(err, fs.ErrExist).
func Create(path string) (*os.File, Header, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, Header{}, errors.Wrap(err, "recfile: create")
	}
	hdr := NewHeader(0)
	if err := binary.Write(f, binary.BigEndian, &hdr); err != nil {
		f.Close()
		return nil, Header{}, errors.Wrap(err, "recfile: write header")
	}
	return f, hdr, nil
}

// Open opens an existing database file and validates its header against the
// compiled-in constants and the actual file length.
func Open(path string) (*os.File, Header, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, Header{}, errors.Wrap(err, "recfile: open")
	}
	hdr, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, Header{}, err
	}
	return f, hdr, nil
}

func readHeader(f *os.File) (Header, error) {
	var hdr Header
	if err := binary.Read(f, binary.BigEndian, &hdr); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, ErrTruncatedHeader
		}
		return Header{}, errors.Wrap(err, "recfile: read header")
	}
	if hdr.Magic != Magic {
		return Header{}, ErrBadMagic
	}
	if hdr.Version != FormatVersion {
		return Header{}, ErrBadVersion
	}
	st, err := f.Stat()
	if err != nil {
		return Header{}, errors.Wrap(err, "recfile: stat")
	}
	if int64(hdr.FileSize) != st.Size() || hdr.FileSize != SizeFor(int(hdr.Count)) {
		return Header{}, ErrSizeMismatch
	}
	return hdr, nil
}

// LoadAll reads count contiguous records from just past the header.
func LoadAll(f *os.File, count int) ([]Record, error) {
	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "recfile: seek")
	}
	records := make([]Record, count)
	if err := binary.Read(f, binary.BigEndian, records); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortRead
		}
		return nil, errors.Wrap(err, "recfile: read records")
	}
	return records, nil
}

// SaveAll rewrites the whole file: header first, then every record, then a
// truncate to the exact expected length. The returned header is the one
// written, with count and filesize computed from the record list.
func SaveAll(f *os.File, records []Record) (Header, error) {
	hdr := NewHeader(len(records))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Header{}, errors.Wrap(err, "recfile: seek")
	}
	if err := binary.Write(f, binary.BigEndian, &hdr); err != nil {
		return Header{}, errors.Wrap(err, "recfile: write header")
	}
	if err := binary.Write(f, binary.BigEndian, records); err != nil {
		return Header{}, errors.Wrap(err, "recfile: write records")
	}
	if err := f.Truncate(int64(hdr.FileSize)); err != nil {
		return Header{}, errors.Wrap(err, "recfile: truncate")
	}
	if err := f.Sync(); err != nil {
		return Header{}, errors.Wrap(err, "recfile: sync")
	}
	return hdr, nil
}

// WriteRecord encodes one record to w in its wire layout. The server uses it
// to stream the record block of a ListResp; the file codec shares it through
// SaveAll's binary.Write path.
func WriteRecord(w io.Writer, rec *Record) error {
	return binary.Write(w, binary.BigEndian, rec)
}

// ReadRecord decodes one wire-layout record from r.
func ReadRecord(r io.Reader) (Record, error) {
	var rec Record
	if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
		return Record{}, errors.Wrap(err, "recfile: read record")
	}
	return rec, nil
}
