// Package filemgr implements the per-connection file registry described in
// spec.md §4.5: local files this side announces, remote files the peer
// announces, open-request bookkeeping, and the fragment-reassembling data
// write path shared by both directions.
package filemgr

import (
	"sync"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/rmf"
)

// WriteFunc is invoked once a file receives a complete (possibly
// reassembled) write: offset is relative to the file's own address, data
// is the payload for that span.
type WriteFunc func(offset uint32, data []byte) error

// File is one entry in a connection's file registry, local or remote.
type File struct {
	Address  uint32
	Name     string
	Size     uint32
	Type     rmf.FileType
	Local    bool
	Open     bool
	Digest   []byte
	write    WriteFunc
	announce bool // local files only: has Publish been called
}

// SetWriteCallback installs (or replaces) the callback invoked when this
// file receives a complete write. Remote files have no callback until
// their owner decides how to handle incoming data (e.g. a definition file
// once its parse target is known).
func (f *File) SetWriteCallback(fn WriteFunc) { f.write = fn }

// SendFunc transmits one already-framed wire message (tag+payload, not yet
// numheader32-wrapped) to the peer.
type SendFunc func(frame []byte) error

// FileManager is the per-connection file registry.
type FileManager struct {
	mu sync.Mutex

	send      SendFunc
	connected bool
	closed    bool

	files map[uint32]*File // keyed by bare (un-flagged) address; Local distinguishes ownership

	pendingOpen map[uint32]bool

	onNewRemoteFile func(*File)
	onFileOpened    func(*File)

	nextPortAddr uint32
	nextDefAddr  uint32

	// frag tracks the single in-progress fragmented write on this
	// connection. Frames on one connection never interleave (spec.md §5),
	// so at most one reassembly is ever in flight.
	frag *fragState
}

type fragState struct {
	startAddr uint32
	buf       []byte
}

// New creates a file manager that sends frames through send.
func New(send SendFunc) *FileManager {
	return &FileManager{
		send:         send,
		files:        make(map[uint32]*File),
		pendingOpen:  make(map[uint32]bool),
		nextPortAddr: rmf.PortDataRegionBegin,
		nextDefAddr:  rmf.DefinitionRegionBegin,
	}
}

// SetConnected toggles the not-connected/connected gate: files cannot be
// announced before the greeting handshake completes (spec.md §4.4).
func (fm *FileManager) SetConnected(v bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.connected = v
}

func (fm *FileManager) Connected() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.connected
}

// SetOnNewRemoteFile installs the hook fired when the peer publishes a file.
func (fm *FileManager) SetOnNewRemoteFile(cb func(*File)) { fm.onNewRemoteFile = cb }

// SetOnFileOpened installs the hook fired when the peer asks to open one of
// our local files.
func (fm *FileManager) SetOnFileOpened(cb func(*File)) { fm.onFileOpened = cb }

// allocate picks the next free address in typ's region.
func (fm *FileManager) allocate(typ rmf.FileType, size uint32) (uint32, error) {
	var cursor *uint32
	switch typ {
	case rmf.FileTypeProvidePortData, rmf.FileTypeRequirePortData:
		cursor = &fm.nextPortAddr
	case rmf.FileTypeDefinition:
		cursor = &fm.nextDefAddr
	default:
		return 0, apxerr.Newf(apxerr.InvalidArgument, "file type %s is not individually allocatable", typ)
	}
	addr := *cursor
	if addr > rmf.RegionEnd(typ) || rmf.RegionEnd(typ)-addr+1 < size {
		return 0, apxerr.New(apxerr.BufferFull, "file address region exhausted")
	}
	*cursor = addr + size
	return addr, nil
}

// CreateLocalFile allocates an address in the correct region and prepares
// a file record; it is not announced to the peer until Publish is called.
func (fm *FileManager) CreateLocalFile(name string, size uint32, typ rmf.FileType, write WriteFunc) (*File, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	addr, err := fm.allocate(typ, size)
	if err != nil {
		return nil, err
	}
	f := &File{Address: addr, Name: name, Size: size, Type: typ, Local: true, write: write}
	fm.files[addr] = f
	return f, nil
}

// Publish announces a local file to the peer with a publish-file control
// frame.
func (fm *FileManager) Publish(f *File) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return apxerr.New(apxerr.Transmit, "file manager closed")
	}
	if !fm.connected {
		return apxerr.New(apxerr.Connection, "file manager not connected")
	}
	fi := rmf.FileInfo{Address: f.Address, Name: f.Name, Size: f.Size, Type: f.Type, Digest: f.Digest}
	if len(f.Digest) > 0 {
		fi.DigestType = rmf.DigestSHA256
	}
	frame := rmf.EncodeControlFrame(rmf.CmdPublishFile, rmf.EncodePublishFileBody(fi))
	if err := fm.send(frame); err != nil {
		return apxerr.Wrap(apxerr.Transmit, err)
	}
	f.announce = true
	return nil
}

// HandleRemotePublish records a file the peer just announced and fires the
// new-remote-file hook.
func (fm *FileManager) HandleRemotePublish(fi rmf.FileInfo) *File {
	fm.mu.Lock()
	f := &File{Address: fi.Address, Name: fi.Name, Size: fi.Size, Type: fi.Type, Digest: fi.Digest}
	fm.files[fi.Address] = f
	hook := fm.onNewRemoteFile
	fm.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return f
}

// OpenRemoteFile sends an open-file-request for a file the peer announced
// and records it as pending.
func (fm *FileManager) OpenRemoteFile(addr uint32) error {
	fm.mu.Lock()
	f, ok := fm.files[addr]
	if !ok || f.Local {
		fm.mu.Unlock()
		return apxerr.Newf(apxerr.MissingFile, "no remote file at address 0x%08x", addr)
	}
	if fm.closed {
		fm.mu.Unlock()
		return apxerr.New(apxerr.Transmit, "file manager closed")
	}
	fm.pendingOpen[addr] = true
	fm.mu.Unlock()

	frame := rmf.EncodeControlFrame(rmf.CmdOpenFileRequest, rmf.EncodeAddressBody(addr))
	if err := fm.send(frame); err != nil {
		return apxerr.Wrap(apxerr.Transmit, err)
	}
	return nil
}

// HandleOpenFileRequest processes an inbound open-file-request for one of
// our own local files, marking it open and firing the file-opened hook.
func (fm *FileManager) HandleOpenFileRequest(addr uint32) (*File, error) {
	fm.mu.Lock()
	f, ok := fm.files[addr]
	if !ok || !f.Local {
		fm.mu.Unlock()
		return nil, apxerr.Newf(apxerr.MissingFile, "no local file at address 0x%08x", addr)
	}
	f.Open = true
	hook := fm.onFileOpened
	fm.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return f, nil
}

// FileAt returns the registered file (local or remote) at addr, if any.
func (fm *FileManager) FileAt(addr uint32) (*File, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, ok := fm.files[addr]
	return f, ok
}

// Write sends data as one or more data frames to addr+offset, fragmenting
// at maxFragment bytes per frame (spec.md §4.5).
func (fm *FileManager) Write(addr uint32, offset uint32, data []byte, maxFragment int) error {
	fm.mu.Lock()
	if fm.closed {
		fm.mu.Unlock()
		return apxerr.New(apxerr.Transmit, "file manager closed")
	}
	fm.mu.Unlock()

	if maxFragment <= 0 {
		maxFragment = len(data)
		if maxFragment == 0 {
			maxFragment = 1
		}
	}
	cur := addr + offset
	remaining := data
	for {
		n := len(remaining)
		more := false
		if n > maxFragment {
			n = maxFragment
			more = true
		}
		chunk := remaining[:n]
		frame := rmf.EncodeDataFrame(cur, more, chunk)
		if err := fm.send(frame); err != nil {
			return apxerr.Wrap(apxerr.Transmit, err)
		}
		remaining = remaining[n:]
		cur += uint32(n)
		if !more {
			return nil
		}
	}
}

// OnDataFrame processes one inbound data frame: it reassembles fragments
// (validating that partial writes are contiguous, per spec.md §4.5) and,
// once a write completes, invokes the owning file's write callback.
func (fm *FileManager) OnDataFrame(addr uint32, more bool, payload []byte) error {
	fm.mu.Lock()

	st := fm.frag
	if st == nil {
		st = &fragState{startAddr: addr}
		fm.frag = st
	} else if addr != st.startAddr+uint32(len(st.buf)) {
		fm.frag = nil
		fm.mu.Unlock()
		return apxerr.Newf(apxerr.InvalidMsg, "non-contiguous write at 0x%08x", addr)
	}
	st.buf = append(st.buf, payload...)

	if more {
		fm.mu.Unlock()
		return nil
	}
	fm.frag = nil

	f := fm.fileContaining(st.startAddr)
	if f == nil {
		fm.mu.Unlock()
		return apxerr.Newf(apxerr.MissingFile, "no file at address 0x%08x", st.startAddr)
	}
	offset := st.startAddr - f.Address
	cb := f.write
	buf := st.buf
	fm.mu.Unlock()

	if cb != nil {
		return cb(offset, buf)
	}
	return nil
}

// fileContaining returns the file whose [Address, Address+Size) span
// contains addr. Callers must hold fm.mu.
func (fm *FileManager) fileContaining(addr uint32) *File {
	if f, ok := fm.files[addr]; ok {
		return f
	}
	for _, f := range fm.files {
		if addr >= f.Address && addr < f.Address+f.Size {
			return f
		}
	}
	return nil
}

// Close releases every registered file; subsequent writes fail with a
// transmit error.
func (fm *FileManager) Close() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.closed = true
	fm.connected = false
	fm.files = make(map[uint32]*File)
	fm.pendingOpen = make(map[uint32]bool)
	fm.frag = nil
}
