// Package record implements the binary tensor-record format used for raw and
// processed satellite tiles, and the spectral feature derivation applied
// during processing.
//
// A record file is a stream of CRC-32C framed records:
//
//	file   := header frame*
//	header := magic(4) version(1)
//	frame  := payloadLen(uint32 LE) payloadCRC32C(uint32 LE) payload
//
// The payload is a little-endian encoding of one labeled tile: record ID,
// drought-severity label, tile dimensions, and per-band float32 pixel data.
package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// TileDim is the side length of a square tile in pixels.
	TileDim = 65

	// NumClasses is the number of drought-severity classes.
	NumClasses = 4

	// maxBands bounds the per-record band count to keep decoding sane.
	maxBands = 32

	// maxIDLen bounds the record ID length.
	maxIDLen = 64
)

// Record is one labeled satellite tile.
type Record struct {
	// ID uniquely identifies the record. Empty until processing assigns one.
	ID string

	// Label is the drought-severity class in [0, NumClasses), or -1 when
	// the record is unlabeled.
	Label int

	// Width and Height are the tile dimensions in pixels.
	Width, Height int

	// Bands holds the spectral bands in file order.
	Bands []Band
}

// Band is a named plane of float32 pixel data, Width*Height values in
// row-major order.
type Band struct {
	Name string
	Data []float32
}

// Band returns the named band, or nil when absent.
func (r *Record) Band(name string) *Band {
	for i := range r.Bands {
		if r.Bands[i].Name == name {
			return &r.Bands[i]
		}
	}
	return nil
}

// BandNames returns the band names in file order.
func (r *Record) BandNames() []string {
	names := make([]string, len(r.Bands))
	for i, b := range r.Bands {
		names[i] = b.Name
	}
	return names
}

// Select returns a copy of the record containing only the named bands, in
// keylist order. Missing bands are an error.
func (r *Record) Select(keylist []string) (*Record, error) {
	out := &Record{ID: r.ID, Label: r.Label, Width: r.Width, Height: r.Height}
	for _, name := range keylist {
		b := r.Band(name)
		if b == nil {
			return nil, fmt.Errorf("band %s not present in record (have %v)", name, r.BandNames())
		}
		out.Bands = append(out.Bands, *b)
	}
	return out, nil
}

// Validate checks structural invariants before encoding.
func (r *Record) Validate() error {
	if len(r.ID) > maxIDLen {
		return fmt.Errorf("record ID too long: %d bytes", len(r.ID))
	}
	if r.Label < -1 || r.Label >= NumClasses {
		return fmt.Errorf("label %d out of range [-1, %d)", r.Label, NumClasses)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", r.Width, r.Height)
	}
	if len(r.Bands) == 0 {
		return fmt.Errorf("record has no bands")
	}
	if len(r.Bands) > maxBands {
		return fmt.Errorf("too many bands: %d", len(r.Bands))
	}
	want := r.Width * r.Height
	for _, b := range r.Bands {
		if b.Name == "" {
			return fmt.Errorf("band with empty name")
		}
		if len(b.Data) != want {
			return fmt.Errorf("band %s has %d values, want %d", b.Name, len(b.Data), want)
		}
	}
	return nil
}

// Marshal encodes the record payload (without framing).
func (r *Record) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	size := 1 + len(r.ID) + 1 + 2 + 2 + 1
	for _, b := range r.Bands {
		size += 1 + len(b.Name) + 4*len(b.Data)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, byte(len(r.ID)))
	buf = append(buf, r.ID...)
	buf = append(buf, byte(r.Label+1)) // shift so -1 (unlabeled) encodes as 0
	buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Width))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Height))
	buf = append(buf, byte(len(r.Bands)))

	for _, b := range r.Bands {
		buf = append(buf, byte(len(b.Name)))
		buf = append(buf, b.Name...)
		for _, v := range b.Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf, nil
}

// Unmarshal decodes a record payload produced by Marshal.
func Unmarshal(payload []byte) (*Record, error) {
	d := decoder{buf: payload}

	idLen, err := d.byte()
	if err != nil {
		return nil, err
	}
	id, err := d.bytes(int(idLen))
	if err != nil {
		return nil, err
	}
	labelByte, err := d.byte()
	if err != nil {
		return nil, err
	}
	width, err := d.uint16()
	if err != nil {
		return nil, err
	}
	height, err := d.uint16()
	if err != nil {
		return nil, err
	}
	bandCount, err := d.byte()
	if err != nil {
		return nil, err
	}
	if int(bandCount) > maxBands {
		return nil, fmt.Errorf("too many bands: %d", bandCount)
	}

	r := &Record{
		ID:     string(id),
		Label:  int(labelByte) - 1,
		Width:  int(width),
		Height: int(height),
	}
	pixels := r.Width * r.Height

	for i := 0; i < int(bandCount); i++ {
		nameLen, err := d.byte()
		if err != nil {
			return nil, err
		}
		name, err := d.bytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(4 * pixels)
		if err != nil {
			return nil, err
		}
		data := make([]float32, pixels)
		for j := 0; j < pixels; j++ {
			data[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:]))
		}
		r.Bands = append(r.Bands, Band{Name: string(name), Data: data})
	}

	if d.pos != len(payload) {
		return nil, fmt.Errorf("trailing %d bytes after record payload", len(payload)-d.pos)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("decoded record invalid: %w", err)
	}
	return r, nil
}

// decoder is a bounds-checked cursor over a payload.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) byte() (byte, error) {
	if d.pos+1 > len(d.buf) {
		return 0, fmt.Errorf("record payload truncated at offset %d", d.pos)
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uint16() (uint16, error) {
	if d.pos+2 > len(d.buf) {
		return 0, fmt.Errorf("record payload truncated at offset %d", d.pos)
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("record payload truncated at offset %d (want %d bytes)", d.pos, n)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}
