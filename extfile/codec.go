// Package extfile manages immutable external artifacts referenced by
// the manifest. External files hold data in a foreign column-major
// layout; the engine stores only metadata about them, never copies or
// compacts their payload. Reads memory-map the file on first access and
// decode it through a format-specific codec.
package extfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/stratadb/strata/model"
)

var (
	ErrBadFormat = errors.New("extfile: malformed file")
	// ErrUnsupportedFormat is returned when no decoder is registered
	// for a reference's format tag.
	ErrUnsupportedFormat = errors.New("extfile: unsupported format")
)

// Decoder parses one external layout. Lookup returns the row index of
// the match so deletion vectors can mask it.
type Decoder interface {
	Format() model.FileFormat
	// Validate checks structural integrity of a mapped file.
	Validate(data []byte) error
	// Rows returns the number of rows in the file.
	Rows(data []byte) (uint32, error)
	// Lookup finds a key. ok=false means the key is not present.
	Lookup(data []byte, key []byte) (value []byte, row uint32, ok bool, err error)
}

const (
	columnarMagic = "XCOL"
	arrayMagic    = "XARR"
	tensorMagic   = "XTEN"
)

// Columnar is a column-major layout: a sorted key column and a value
// column, each an offset table followed by concatenated bytes.
//
//	[magic "XCOL"][rows u32]
//	[key offsets (rows+1) u32][key bytes]
//	[value offsets (rows+1) u32][value bytes]
type Columnar struct{}

func (Columnar) Format() model.FileFormat { return model.FormatColumnar }

// EncodeColumnar serializes records, which must be key-sorted, into the
// columnar layout. Used by the cold-segment promotion job.
func EncodeColumnar(recs []model.Record) []byte {
	rows := uint32(len(recs))
	buf := make([]byte, 0, 64+len(recs)*16)
	buf = append(buf, columnarMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, rows)

	buf = appendColumn(buf, recs, func(r *model.Record) []byte { return r.Key })
	buf = appendColumn(buf, recs, func(r *model.Record) []byte { return r.Value })
	return buf
}

func appendColumn(buf []byte, recs []model.Record, field func(*model.Record) []byte) []byte {
	var off uint32
	for i := range recs {
		buf = binary.LittleEndian.AppendUint32(buf, off)
		off += uint32(len(field(&recs[i])))
	}
	buf = binary.LittleEndian.AppendUint32(buf, off)
	for i := range recs {
		buf = append(buf, field(&recs[i])...)
	}
	return buf
}

type column struct {
	offsets []byte // (rows+1) u32 entries
	data    []byte
}

func (c column) at(i uint32) []byte {
	start := binary.LittleEndian.Uint32(c.offsets[i*4:])
	end := binary.LittleEndian.Uint32(c.offsets[(i+1)*4:])
	return c.data[start:end]
}

func parseColumnar(data []byte) (keys, values column, rows uint32, err error) {
	if len(data) < 8 || string(data[:4]) != columnarMagic {
		return column{}, column{}, 0, ErrBadFormat
	}
	rows = binary.LittleEndian.Uint32(data[4:8])
	rest := data[8:]

	keys, rest, err = parseColumn(rest, rows)
	if err != nil {
		return column{}, column{}, 0, err
	}
	values, rest, err = parseColumn(rest, rows)
	if err != nil {
		return column{}, column{}, 0, err
	}
	if len(rest) != 0 {
		return column{}, column{}, 0, ErrBadFormat
	}
	return keys, values, rows, nil
}

func parseColumn(data []byte, rows uint32) (column, []byte, error) {
	tableLen := int(rows+1) * 4
	if len(data) < tableLen {
		return column{}, nil, ErrBadFormat
	}
	offsets := data[:tableLen]
	total := binary.LittleEndian.Uint32(offsets[int(rows)*4:])
	data = data[tableLen:]
	if len(data) < int(total) {
		return column{}, nil, ErrBadFormat
	}
	return column{offsets: offsets, data: data[:total]}, data[total:], nil
}

func (Columnar) Validate(data []byte) error {
	_, _, _, err := parseColumnar(data)
	return err
}

func (Columnar) Rows(data []byte) (uint32, error) {
	_, _, rows, err := parseColumnar(data)
	return rows, err
}

func (Columnar) Lookup(data []byte, key []byte) ([]byte, uint32, bool, error) {
	keys, values, rows, err := parseColumnar(data)
	if err != nil {
		return nil, 0, false, err
	}
	i := sort.Search(int(rows), func(i int) bool {
		return model.CompareKeys(keys.at(uint32(i)), key) >= 0
	})
	if i >= int(rows) || model.CompareKeys(keys.at(uint32(i)), key) != 0 {
		return nil, 0, false, nil
	}
	return values.at(uint32(i)), uint32(i), true, nil
}

// Array is a flat typed-array layout with fixed-width keys and values,
// keys sorted:
//
//	[magic "XARR"][rows u32][key width u16][value width u16]
//	[rows * key width][rows * value width]
type Array struct{}

func (Array) Format() model.FileFormat { return model.FormatArray }

// EncodeArray serializes sorted fixed-width records.
func EncodeArray(keys, values [][]byte, keyWidth, valueWidth int) ([]byte, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("extfile: %d keys for %d values", len(keys), len(values))
	}
	buf := make([]byte, 0, 12+len(keys)*(keyWidth+valueWidth))
	buf = append(buf, arrayMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(keyWidth))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(valueWidth))
	for i := range keys {
		if len(keys[i]) != keyWidth || len(values[i]) != valueWidth {
			return nil, fmt.Errorf("extfile: row %d has wrong width", i)
		}
		buf = append(buf, keys[i]...)
	}
	for i := range values {
		buf = append(buf, values[i]...)
	}
	return buf, nil
}

func parseArray(data []byte) (keys, values []byte, rows uint32, kw, vw int, err error) {
	if len(data) < 12 || string(data[:4]) != arrayMagic {
		return nil, nil, 0, 0, 0, ErrBadFormat
	}
	rows = binary.LittleEndian.Uint32(data[4:8])
	kw = int(binary.LittleEndian.Uint16(data[8:10]))
	vw = int(binary.LittleEndian.Uint16(data[10:12]))
	body := data[12:]
	need := int(rows) * (kw + vw)
	if kw == 0 || len(body) != need {
		return nil, nil, 0, 0, 0, ErrBadFormat
	}
	return body[:int(rows)*kw], body[int(rows)*kw:], rows, kw, vw, nil
}

func (Array) Validate(data []byte) error {
	_, _, _, _, _, err := parseArray(data)
	return err
}

func (Array) Rows(data []byte) (uint32, error) {
	_, _, rows, _, _, err := parseArray(data)
	return rows, err
}

func (Array) Lookup(data []byte, key []byte) ([]byte, uint32, bool, error) {
	keys, values, rows, kw, vw, err := parseArray(data)
	if err != nil {
		return nil, 0, false, err
	}
	if len(key) != kw {
		return nil, 0, false, nil
	}
	i := sort.Search(int(rows), func(i int) bool {
		return model.CompareKeys(keys[i*kw:(i+1)*kw], key) >= 0
	})
	if i >= int(rows) || model.CompareKeys(keys[i*kw:(i+1)*kw], key) != 0 {
		return nil, 0, false, nil
	}
	return values[i*vw : (i+1)*vw], uint32(i), true, nil
}

// Tensor is a dense n-dimensional array of fixed-width cells. The key
// is the coordinate vector, one big-endian u32 per dimension; rows are
// laid out row-major:
//
//	[magic "XTEN"][dims u8][cell width u16][dim sizes dims*u32][cells]
type Tensor struct{}

func (Tensor) Format() model.FileFormat { return model.FormatTensor }

// EncodeTensor serializes a dense row-major cell buffer.
func EncodeTensor(shape []uint32, cellWidth int, cells []byte) ([]byte, error) {
	total := 1
	for _, d := range shape {
		total *= int(d)
	}
	if total*cellWidth != len(cells) {
		return nil, fmt.Errorf("extfile: %d cells for shape %v", len(cells)/cellWidth, shape)
	}
	buf := make([]byte, 0, 16+len(cells))
	buf = append(buf, tensorMagic...)
	buf = append(buf, byte(len(shape)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(cellWidth))
	for _, d := range shape {
		buf = binary.LittleEndian.AppendUint32(buf, d)
	}
	return append(buf, cells...), nil
}

func parseTensor(data []byte) (shape []uint32, cw int, cells []byte, err error) {
	if len(data) < 7 || string(data[:4]) != tensorMagic {
		return nil, 0, nil, ErrBadFormat
	}
	dims := int(data[4])
	cw = int(binary.LittleEndian.Uint16(data[5:7]))
	if cw == 0 || len(data) < 7+dims*4 {
		return nil, 0, nil, ErrBadFormat
	}
	total := 1
	for i := 0; i < dims; i++ {
		d := binary.LittleEndian.Uint32(data[7+i*4:])
		shape = append(shape, d)
		total *= int(d)
	}
	cells = data[7+dims*4:]
	if len(cells) != total*cw {
		return nil, 0, nil, ErrBadFormat
	}
	return shape, cw, cells, nil
}

func (Tensor) Validate(data []byte) error {
	_, _, _, err := parseTensor(data)
	return err
}

func (Tensor) Rows(data []byte) (uint32, error) {
	_, cw, cells, err := parseTensor(data)
	if err != nil {
		return 0, err
	}
	return uint32(len(cells) / cw), nil
}

// Lookup resolves a coordinate key to its cell. The row index is the
// flattened row-major position.
func (Tensor) Lookup(data []byte, key []byte) ([]byte, uint32, bool, error) {
	shape, cw, cells, err := parseTensor(data)
	if err != nil {
		return nil, 0, false, err
	}
	if len(key) != len(shape)*4 {
		return nil, 0, false, nil
	}
	var flat uint64
	for i, d := range shape {
		coord := binary.BigEndian.Uint32(key[i*4:])
		if coord >= d {
			return nil, 0, false, nil
		}
		flat = flat*uint64(d) + uint64(coord)
	}
	off := flat * uint64(cw)
	return cells[off : off+uint64(cw)], uint32(flat), true, nil
}
