// Package rmf implements the remote memory framing wire protocol: address
// regions, numheader32 length-prefixed message framing, data frames, and
// the control frames (publish-file, revoke-file, open/close-file-request,
// acknowledge) that two APX peers exchange once connected.
package rmf

import "github.com/apxrmf/apxd/internal/apxerr"

// Address region boundaries (spec.md §4.4). Every file address is aligned
// to its file type's region; RemoteFlag is set on the address view a
// connection holds for a file its peer owns.
const (
	PortDataRegionBegin   uint32 = 0x0000_0000
	PortDataRegionEnd     uint32 = 0x3FFF_FBFF
	ReservedRegionBegin   uint32 = 0x3FFF_FC00
	ReservedRegionEnd     uint32 = 0x3FFF_FFFF
	DefinitionRegionBegin uint32 = 0x4000_0000
	DefinitionRegionEnd   uint32 = 0xBFFF_FFFF

	RemoteFlag uint32 = 0x8000_0000

	// LogFileAddress is the reserved apx.log stream address (spec.md §6).
	LogFileAddress uint32 = ReservedRegionBegin
	LogFileSize    uint32 = 2048
)

// FileType tags the kind of file an address belongs to.
type FileType uint8

const (
	FileTypeProvidePortData FileType = iota
	FileTypeRequirePortData
	FileTypeDefinition
	FileTypeLog
)

func (t FileType) String() string {
	switch t {
	case FileTypeProvidePortData:
		return "provide-port-data"
	case FileTypeRequirePortData:
		return "require-port-data"
	case FileTypeDefinition:
		return "definition"
	case FileTypeLog:
		return "log"
	default:
		return "unknown"
	}
}

// RegionBegin and RegionEnd return the address region a file type is
// allocated from. FileTypeLog always resolves to the single reserved
// LogFileAddress and is not allocated from a range.
func RegionBegin(t FileType) uint32 {
	switch t {
	case FileTypeProvidePortData, FileTypeRequirePortData:
		return PortDataRegionBegin
	case FileTypeDefinition:
		return DefinitionRegionBegin
	default:
		return ReservedRegionBegin
	}
}

func RegionEnd(t FileType) uint32 {
	switch t {
	case FileTypeProvidePortData, FileTypeRequirePortData:
		return PortDataRegionEnd
	case FileTypeDefinition:
		return DefinitionRegionEnd
	default:
		return ReservedRegionEnd
	}
}

// InRegion reports whether addr (with RemoteFlag stripped) falls inside
// the region owned by file type t.
func InRegion(t FileType, addr uint32) bool {
	addr &^= RemoteFlag
	return addr >= RegionBegin(t) && addr <= RegionEnd(t)
}

// AsRemote and AsLocal toggle the high-bit remote view of an address.
func AsRemote(addr uint32) uint32 { return addr | RemoteFlag }
func AsLocal(addr uint32) uint32  { return addr &^ RemoteFlag }
func IsRemote(addr uint32) bool   { return addr&RemoteFlag != 0 }

// DigestType tags the optional file content digest carried by FileInfo.
type DigestType uint8

const (
	DigestNone DigestType = iota
	DigestSHA256
)

// FileInfo is the body of a publish-file control frame: everything the
// peer needs to know about a newly announced file.
type FileInfo struct {
	Address    uint32
	Name       string
	Size       uint32
	Type       FileType
	DigestType DigestType
	Digest     []byte
}

// ValidateAddress returns an InvalidArgument error when addr (with
// RemoteFlag stripped) lies outside the region owned by file type t.
func ValidateAddress(t FileType, addr uint32) error {
	if !InRegion(t, addr) {
		return apxerr.Newf(apxerr.InvalidArgument, "address 0x%08x out of region for file type %s", addr, t)
	}
	return nil
}
