package prefetch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Windows 10 and later store prefetch files compressed with LZXPRESS
// Huffman behind an 8 or 12 byte "MAM" header.
const (
	mamHeaderSize      = 8
	mamCRCHeaderSize   = 12
	mamFlagCRC         = 0x80
	mamFormatMask      = 0x0F
	mamFormatHuffman   = 0x04
	maxDecompressedLen = 64 << 20

	huffChunkSize  = 1 << 16
	huffTableBytes = 256
	huffSymbols    = 512
	huffMaxBits    = 15
)

// ErrCompression is returned for corrupt or unsupported compressed data.
var ErrCompression = errors.New("invalid compressed prefetch data")

// IsCompressed reports whether data starts with a MAM header.
func IsCompressed(data []byte) bool {
	return len(data) >= mamHeaderSize && data[0] == 'M' && data[1] == 'A' && data[2] == 'M'
}

// Decompress expands a MAM-wrapped prefetch file.
func Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return nil, fmt.Errorf("%w: missing MAM signature", ErrCompression)
	}

	flags := data[3]
	if flags&mamFormatMask != mamFormatHuffman {
		return nil, fmt.Errorf("%w: unsupported compression format 0x%02x", ErrCompression, flags&mamFormatMask)
	}

	size := binary.LittleEndian.Uint32(data[4:8])
	if size == 0 || size > maxDecompressedLen {
		return nil, fmt.Errorf("%w: implausible decompressed size %d", ErrCompression, size)
	}

	start := mamHeaderSize
	if flags&mamFlagCRC != 0 {
		start = mamCRCHeaderSize
	}
	if len(data) < start {
		return nil, fmt.Errorf("%w: truncated header", ErrCompression)
	}

	return decompressHuffman(data[start:], int(size))
}

type decodeTable struct {
	symbol [1 << huffMaxBits]uint16
	length [1 << huffMaxBits]uint8
}

// newDecodeTable builds a canonical Huffman lookup table from 512 packed
// 4-bit code lengths. Symbol 2i is in the low nibble of byte i.
func newDecodeTable(packed []byte) (*decodeTable, error) {
	var lengths [huffSymbols]uint8
	for i := 0; i < huffTableBytes; i++ {
		lengths[2*i] = packed[i] & 0x0F
		lengths[2*i+1] = packed[i] >> 4
	}

	t := &decodeTable{}
	next := 0
	for bits := 1; bits <= huffMaxBits; bits++ {
		span := 1 << (huffMaxBits - bits)
		for sym := 0; sym < huffSymbols; sym++ {
			if int(lengths[sym]) != bits {
				continue
			}
			if next+span > len(t.symbol) {
				return nil, fmt.Errorf("%w: oversubscribed huffman table", ErrCompression)
			}
			for i := next; i < next+span; i++ {
				t.symbol[i] = uint16(sym)
				t.length[i] = uint8(bits)
			}
			next += span
		}
	}
	if next == 0 {
		return nil, fmt.Errorf("%w: empty huffman table", ErrCompression)
	}

	return t, nil
}

// bitReader serves bits most significant first from a stream of
// little-endian 16-bit words, keeping 16 to 32 bits buffered.
type bitReader struct {
	in    []byte
	pos   int
	next  uint32
	extra int
}

func (b *bitReader) word() uint32 {
	if b.pos+2 > len(b.in) {
		b.pos += 2
		return 0
	}
	v := binary.LittleEndian.Uint16(b.in[b.pos:])
	b.pos += 2
	return uint32(v)
}

func (b *bitReader) reset(pos int) {
	b.pos = pos
	b.next = b.word() << 16
	b.next |= b.word()
	b.extra = 16
}

func (b *bitReader) peek(n uint) uint32 {
	if n == 0 {
		return 0
	}
	return b.next >> (32 - n)
}

func (b *bitReader) consume(n uint) {
	b.next <<= n
	b.extra -= int(n)
	if b.extra < 0 {
		b.next |= b.word() << uint(-b.extra)
		b.extra += 16
	}
}

func (b *bitReader) readByte() (byte, error) {
	if b.pos >= len(b.in) {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrCompression)
	}
	v := b.in[b.pos]
	b.pos++
	return v, nil
}

func (b *bitReader) readUint16() (uint16, error) {
	if b.pos+2 > len(b.in) {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrCompression)
	}
	v := binary.LittleEndian.Uint16(b.in[b.pos:])
	b.pos += 2
	return v, nil
}

// decompressHuffman implements the LZXPRESS Huffman decoder. Each 64 KiB of
// output is preceded by its own code length table.
func decompressHuffman(in []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	br := &bitReader{in: in}
	pos := 0

	for len(out) < size {
		if pos+huffTableBytes > len(in) {
			return nil, fmt.Errorf("%w: truncated huffman table at offset %d", ErrCompression, pos)
		}
		table, err := newDecodeTable(in[pos : pos+huffTableBytes])
		if err != nil {
			return nil, err
		}
		br.reset(pos + huffTableBytes)

		blockEnd := len(out) + huffChunkSize
		for len(out) < blockEnd && len(out) < size {
			idx := br.peek(huffMaxBits)
			bits := uint(table.length[idx])
			if bits == 0 {
				return nil, fmt.Errorf("%w: invalid huffman code", ErrCompression)
			}
			sym := int(table.symbol[idx])
			br.consume(bits)

			if sym < 256 {
				out = append(out, byte(sym))
				continue
			}

			sym -= 256
			length := sym & 0x0F
			offsetBits := uint(sym >> 4)

			if length == 15 {
				b, err := br.readByte()
				if err != nil {
					return nil, err
				}
				length = int(b)
				if length == 255 {
					v, err := br.readUint16()
					if err != nil {
						return nil, err
					}
					if v < 15 {
						return nil, fmt.Errorf("%w: invalid match length", ErrCompression)
					}
					length = int(v) - 15
				}
				length += 15
			}
			length += 3

			offset := int(br.peek(offsetBits)) + 1<<offsetBits
			br.consume(offsetBits)

			if offset > len(out) {
				return nil, fmt.Errorf("%w: match offset %d beyond output", ErrCompression, offset)
			}
			for i := 0; i < length; i++ {
				out = append(out, out[len(out)-offset])
			}
		}

		pos = br.pos
	}

	return out[:size], nil
}
