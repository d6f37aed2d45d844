package net

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

type fileStep uint8

const (
	stepWantSendFile fileStep = iota + 1
	stepWaitToGetPort
	stepCouldSendFile
	stepFailed
)

func (s fileStep) String() string {
	switch s {
	case stepWantSendFile:
		return "WantSendFile"
	case stepWaitToGetPort:
		return "WaitToGetPort"
	case stepCouldSendFile:
		return "CouldSendFile"
	case stepFailed:
		return "Failed"
	default:
		return fmt.Sprintf("fileStep(%d)", uint8(s))
	}
}

// filePacket is one negotiation step of a transfer:
// 1 step | 8 task id | step fields.
type filePacket struct {
	Step   fileStep
	TaskID uint64

	// WantSendFile
	Size         int64
	DatasetCount int32
	Compressed   bool
	OriginalSize int64

	// WaitToGetPort
	Remaining int32

	// CouldSendFile
	Connection Connection

	// Failed
	Reason string
}

// Save writes only the fields of p.Step.
func (p *filePacket) Save() ([]byte, error) {
	b := make([]byte, 0, 32)
	b = append(b, byte(p.Step))
	b = binary.LittleEndian.AppendUint64(b, p.TaskID)
	switch p.Step {
	case stepWantSendFile:
		b = binary.LittleEndian.AppendUint64(b, uint64(p.Size))
		b = appendUint32(b, uint32(p.DatasetCount))
		if p.Compressed {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = binary.LittleEndian.AppendUint64(b, uint64(p.OriginalSize))
	case stepWaitToGetPort:
		b = appendUint32(b, uint32(p.Remaining))
	case stepCouldSendFile:
		b = append(b, p.Connection.Save()...)
	case stepFailed:
		b = appendString(b, p.Reason)
	default:
		return nil, fmt.Errorf("unknown file step %d", p.Step)
	}
	return b, nil
}

// Load decodes a packet written by Save.
func (p *filePacket) Load(b []byte) error {
	r := reader{buf: b}
	p.Step = fileStep(r.uint8())
	p.TaskID = r.uint64()
	switch p.Step {
	case stepWantSendFile:
		p.Size = int64(r.uint64())
		p.DatasetCount = r.int32()
		p.Compressed = r.uint8() != 0
		p.OriginalSize = int64(r.uint64())
	case stepWaitToGetPort:
		p.Remaining = r.int32()
	case stepCouldSendFile:
		rest := r.rest()
		if r.err == nil {
			c, err := LoadConnection(rest)
			if err != nil {
				return err
			}
			p.Connection = c
		}
	case stepFailed:
		p.Reason = r.str()
	default:
		if r.err == nil {
			return fmt.Errorf("%w: unknown file step %d", ErrMalformedMessage, p.Step)
		}
	}
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes in file packet", ErrMalformedMessage, r.remaining())
	}
	if p.Size < 0 || p.DatasetCount < 0 || p.OriginalSize < 0 {
		return fmt.Errorf("%w: negative size in file packet", ErrMalformedMessage)
	}
	return nil
}

var errNotCompressible = errors.New("not compressible")

// lz4Compress returns a 4 byte big endian original size followed by the
// lz4 block, or errNotCompressible when that would not be smaller.
func lz4Compress(src []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, buf[4:], nil)
	if err != nil {
		return nil, err
	} else if n == 0 || n+4 >= len(src) {
		return nil, errNotCompressible
	}
	binary.BigEndian.PutUint32(buf, uint32(len(src)))
	return buf[:n+4], nil
}

// lz4Decompress reverses lz4Compress. The size header must equal want; it is
// checked before anything is allocated.
func lz4Decompress(src []byte, want int64) ([]byte, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("%w: compressed payload too short", ErrMalformedMessage)
	}
	size := binary.BigEndian.Uint32(src)
	if int64(size) != want {
		return nil, fmt.Errorf("%w: compressed payload claims %d bytes, want %d", ErrMalformedMessage, size, want)
	}
	buf := make([]byte, size)
	n, err := lz4.UncompressBlock(src[4:], buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if int64(n) != want {
		return nil, fmt.Errorf("%w: decompressed %d bytes, want %d", ErrMalformedMessage, n, want)
	}
	return buf, nil
}
