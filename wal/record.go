package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/stratadb/strata/internal/hash"
	"github.com/stratadb/strata/model"
)

var (
	// ErrInvalidCRC indicates a corrupted WAL frame.
	ErrInvalidCRC = errors.New("wal: invalid record checksum")
	// ErrRecordTooLarge guards against absurd length prefixes from corruption.
	ErrRecordTooLarge = errors.New("wal: record too large")
)

// maxFrameSize bounds a single WAL frame. Larger length prefixes are treated
// as corruption rather than allocated.
const maxFrameSize = 256 * 1024 * 1024

const (
	flagNone       uint8 = 0
	flagCompressed uint8 = 1 << 0
)

// Frame layout:
//
//	[CRC32C:4][Length:4][Flags:1][Seq:8][Timestamp:8][Op:1][KeyLen:2][Key][Value]
//
// Length covers everything after the Length field. CRC covers everything
// after the CRC field. Value may be zstd-compressed (flagCompressed).
type codec struct {
	enc *zstd.Encoder // nil when compression is off
	dec *zstd.Decoder

	// compressMin is the smallest value size worth compressing.
	compressMin int
}

func newCodec(compress bool, level int) (*codec, error) {
	c := &codec{compressMin: 512}
	if !compress {
		return c, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("wal: create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("wal: create decompressor: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// decoderFor returns a decoder usable for replay even when the WAL was
// opened with compression disabled but contains compressed frames.
func (c *codec) decoderFor() (*zstd.Decoder, error) {
	if c.dec != nil {
		return c.dec, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c.dec = dec
	return dec, nil
}

func (c *codec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

// encode writes one frame for rec to w and returns the frame length.
func (c *codec) encode(w io.Writer, rec *model.Record) (int64, error) {
	value := rec.Value
	flags := flagNone
	if c.enc != nil && len(value) >= c.compressMin {
		value = c.enc.EncodeAll(value, nil)
		flags = flagCompressed
	}

	if len(rec.Key) > 0xFFFF {
		return 0, fmt.Errorf("wal: key length %d exceeds limit", len(rec.Key))
	}

	bodyLen := 1 + 8 + 8 + 1 + 2 + len(rec.Key) + len(value)
	buf := make([]byte, 8+bodyLen)

	binary.LittleEndian.PutUint32(buf[4:8], uint32(bodyLen))
	buf[8] = flags
	binary.LittleEndian.PutUint64(buf[9:17], rec.Seq)
	binary.LittleEndian.PutUint64(buf[17:25], rec.Timestamp)
	buf[25] = byte(rec.Op)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(len(rec.Key)))
	copy(buf[28:], rec.Key)
	copy(buf[28+len(rec.Key):], value)

	binary.LittleEndian.PutUint32(buf[0:4], hash.CRC32C(buf[4:]))

	if _, err := w.Write(buf); err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}

// decode reads one frame from r. Returns the bytes consumed so callers can
// track the valid log prefix across a torn tail.
func (c *codec) decode(r io.Reader) (model.Record, int64, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return model.Record{}, 0, err
	}
	checksum := binary.LittleEndian.Uint32(hdr[0:4])
	bodyLen := binary.LittleEndian.Uint32(hdr[4:8])
	if bodyLen > maxFrameSize {
		return model.Record{}, 8, ErrRecordTooLarge
	}
	if bodyLen < 20 {
		return model.Record{}, 8, ErrInvalidCRC
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return model.Record{}, 8, err
	}

	lenBuf := hdr[4:8]
	crc := hash.NewCRC32C()
	_, _ = crc.Write(lenBuf)
	_, _ = crc.Write(body)
	if crc.Sum32() != checksum {
		return model.Record{}, 8 + int64(bodyLen), ErrInvalidCRC
	}

	flags := body[0]
	rec := model.Record{
		Seq:       binary.LittleEndian.Uint64(body[1:9]),
		Timestamp: binary.LittleEndian.Uint64(body[9:17]),
		Op:        model.Operation(body[17]),
	}
	keyLen := int(binary.LittleEndian.Uint16(body[18:20]))
	if 20+keyLen > len(body) {
		return model.Record{}, 8 + int64(bodyLen), ErrInvalidCRC
	}
	rec.Key = append([]byte(nil), body[20:20+keyLen]...)
	value := body[20+keyLen:]

	if flags&flagCompressed != 0 {
		dec, err := c.decoderFor()
		if err != nil {
			return model.Record{}, 8 + int64(bodyLen), err
		}
		value, err = dec.DecodeAll(value, nil)
		if err != nil {
			return model.Record{}, 8 + int64(bodyLen), fmt.Errorf("wal: decompress value: %w", err)
		}
		rec.Value = value
	} else {
		rec.Value = append([]byte(nil), value...)
	}

	rec.Checksum = rec.ComputeChecksum()
	return rec, 8 + int64(bodyLen), nil
}
