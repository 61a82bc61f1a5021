package vm

import (
	"encoding/binary"

	"github.com/apxrmf/apxd/internal/apxerr"
)

// Program is a compiled pack or unpack program: an 8-byte header plus a
// body of instructions.
type Program struct {
	Major       uint8
	Minor       uint8
	Type        ProgramType
	PayloadSize uint32
	Code        []byte
}

// Bytes renders the full header-prefixed wire form of the program.
func (p *Program) Bytes() []byte {
	out := make([]byte, HeaderSize+len(p.Code))
	out[0] = Magic
	out[1] = p.Major
	out[2] = p.Minor
	out[3] = byte(p.Type)
	binary.LittleEndian.PutUint32(out[4:8], p.PayloadSize)
	copy(out[HeaderSize:], p.Code)
	return out
}

// DecodeProgram parses a header-prefixed program produced by Bytes.
func DecodeProgram(buf []byte) (*Program, error) {
	if len(buf) < HeaderSize {
		return nil, apxerr.New(apxerr.BufferBoundary, "program header truncated")
	}
	if buf[0] != Magic {
		return nil, apxerr.Newf(apxerr.Parse, "bad program magic 0x%02x", buf[0])
	}
	p := &Program{
		Major:       buf[1],
		Minor:       buf[2],
		Type:        ProgramType(buf[3]),
		PayloadSize: binary.LittleEndian.Uint32(buf[4:8]),
	}
	p.Code = append([]byte(nil), buf[HeaderSize:]...)
	return p, nil
}
