package rmf

import (
	"encoding/binary"

	"github.com/apxrmf/apxd/internal/apxerr"
)

// Command is the 16-bit little-endian opcode that leads every control
// frame body (spec.md §4.4).
type Command uint16

const (
	CmdPublishFile Command = iota + 1
	CmdRevokeFile
	CmdOpenFileRequest
	CmdCloseFileRequest
	CmdAcknowledge
)

func (c Command) String() string {
	switch c {
	case CmdPublishFile:
		return "publish-file"
	case CmdRevokeFile:
		return "revoke-file"
	case CmdOpenFileRequest:
		return "open-file-request"
	case CmdCloseFileRequest:
		return "close-file-request"
	case CmdAcknowledge:
		return "acknowledge"
	default:
		return "unknown-command"
	}
}

// ControlFrame is a decoded control frame: the command plus its raw body.
type ControlFrame struct {
	Command Command
	Body    []byte
}

// EncodeControlFrame renders a complete control frame (tag + opcode + body).
func EncodeControlFrame(cmd Command, body []byte) []byte {
	out := make([]byte, 0, 3+len(body))
	out = append(out, byte(tagControl))
	var opcode [2]byte
	binary.LittleEndian.PutUint16(opcode[:], uint16(cmd))
	out = append(out, opcode[:]...)
	out = append(out, body...)
	return out
}

// DecodeControlFrame parses a control frame produced by EncodeControlFrame.
func DecodeControlFrame(frame []byte) (*ControlFrame, error) {
	if len(frame) < 3 || frameTag(frame[0]) != tagControl {
		return nil, apxerr.New(apxerr.InvalidMsg, "not a control frame")
	}
	cmd := Command(binary.LittleEndian.Uint16(frame[1:3]))
	return &ControlFrame{Command: cmd, Body: frame[3:]}, nil
}

// EncodeAddressBody renders the single-address body shared by
// revoke-file, open-file-request and close-file-request.
func EncodeAddressBody(addr uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, addr)
	return out
}

// DecodeAddressBody parses the single-address body shared by
// revoke-file, open-file-request and close-file-request.
func DecodeAddressBody(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, apxerr.New(apxerr.BufferBoundary, "address body truncated")
	}
	return binary.LittleEndian.Uint32(body), nil
}

// EncodePublishFileBody renders a publish-file control frame body.
func EncodePublishFileBody(fi FileInfo) []byte {
	name := []byte(fi.Name)
	out := make([]byte, 0, 4+1+len(name)+4+1+1+1+len(fi.Digest))
	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], fi.Address)
	out = append(out, addr[:]...)
	out = append(out, byte(len(name)))
	out = append(out, name...)
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], fi.Size)
	out = append(out, size[:]...)
	out = append(out, byte(fi.Type))
	out = append(out, byte(fi.DigestType))
	out = append(out, byte(len(fi.Digest)))
	out = append(out, fi.Digest...)
	return out
}

// DecodePublishFileBody parses a publish-file control frame body.
func DecodePublishFileBody(body []byte) (FileInfo, error) {
	var fi FileInfo
	if len(body) < 5 {
		return fi, apxerr.New(apxerr.BufferBoundary, "publish-file body truncated")
	}
	fi.Address = binary.LittleEndian.Uint32(body[0:4])
	nameLen := int(body[4])
	off := 5
	if len(body) < off+nameLen+4+1+1+1 {
		return fi, apxerr.New(apxerr.BufferBoundary, "publish-file body truncated")
	}
	fi.Name = string(body[off : off+nameLen])
	off += nameLen
	fi.Size = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	fi.Type = FileType(body[off])
	off++
	fi.DigestType = DigestType(body[off])
	off++
	digestLen := int(body[off])
	off++
	if len(body) < off+digestLen {
		return fi, apxerr.New(apxerr.BufferBoundary, "publish-file digest truncated")
	}
	fi.Digest = append([]byte(nil), body[off:off+digestLen]...)
	return fi, nil
}
