package protocol

import (
	"fmt"
	"sort"

	"github.com/calmh/xdr"
)

// Message types, as they appear in the frame header's msgType field.
const (
	typeClusterConfig = 0
	typeIndex          = 1
	typeRequest        = 2
	typeResponse       = 3
	typePing           = 4
	typePong           = 5
	typeIndexUpdate    = 6
	typeClose          = 7
)

// MaxFolderIDLength bounds Folder.ID.
const MaxFolderIDLength = 64

// Response codes carried in a ResponseMessage.
type ResponseCode uint32

const (
	CodeNoError ResponseCode = iota
	CodeError
	CodeNoSuchFile
	CodeInvalid
)

func (c ResponseCode) String() string {
	switch c {
	case CodeNoError:
		return "no error"
	case CodeError:
		return "error"
	case CodeNoSuchFile:
		return "no such file"
	case CodeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown response code %d", uint32(c))
	}
}

// message is satisfied by every wire message body.
type message interface {
	encodeXDR(xw *xdr.Writer) (int, error)
	decodeXDR(xr *xdr.Reader) error
}

// Options is the unordered string-to-string bag attached to several
// messages. It decodes from, and encodes to, an array of (key, value)
// pairs.
type Options map[string]string

func (o Options) encodeXDR(xw *xdr.Writer) (int, error) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic wire output; decode order is irrelevant
	xw.WriteUint32(uint32(len(keys)))
	for _, k := range keys {
		xw.WriteString(k)
		xw.WriteString(o[k])
	}
	return xw.Tot(), xw.Error()
}

func (o *Options) decodeXDR(xr *xdr.Reader) error {
	n := xr.ReadUint32()
	out := make(Options, n)
	for i := uint32(0); i < n; i++ {
		k := xr.ReadString()
		v := xr.ReadString()
		out[k] = v
	}
	*o = out
	return xr.Error()
}

// Device flag bits.
const (
	FlagDeviceTrusted    uint32 = 1 << 0
	FlagDeviceReadOnly   uint32 = 1 << 1
	FlagDeviceIntroducer uint32 = 1 << 2
	FlagDeviceShareBits  uint32 = 0xff
)

// Device is a peer's membership row inside a Folder, as exchanged in a
// ClusterConfig.
type Device struct {
	ID               DeviceID
	MaxLocalVersion  uint64
	Flags            uint32
	Options          Options
}

// Short reads the first four bytes of ID as a big-endian uint32. Kept as a
// helper; nothing in this module relies on it.
func (d Device) Short() uint32 {
	return uint32(d.ID[0])<<24 | uint32(d.ID[1])<<16 | uint32(d.ID[2])<<8 | uint32(d.ID[3])
}

func (d Device) Trusted() bool    { return d.Flags&FlagDeviceTrusted != 0 }
func (d Device) ReadOnly() bool   { return d.Flags&FlagDeviceReadOnly != 0 }
func (d Device) Introducer() bool { return d.Flags&FlagDeviceIntroducer != 0 }

func (d *Device) SetTrusted(v bool)    { setFlag(&d.Flags, FlagDeviceTrusted, v) }
func (d *Device) SetReadOnly(v bool)   { setFlag(&d.Flags, FlagDeviceReadOnly, v) }
func (d *Device) SetIntroducer(v bool) { setFlag(&d.Flags, FlagDeviceIntroducer, v) }

func setFlag(flags *uint32, mask uint32, v bool) {
	if v {
		*flags |= mask
	} else {
		*flags &^= mask
	}
}

func (d Device) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteBytes(d.ID[:])
	xw.WriteUint64(d.MaxLocalVersion)
	xw.WriteUint32(d.Flags)
	d.Options.encodeXDR(xw)
	return xw.Tot(), xw.Error()
}

func (d *Device) decodeXDR(xr *xdr.Reader) error {
	copy(d.ID[:], xr.ReadBytes())
	d.MaxLocalVersion = xr.ReadUint64()
	d.Flags = xr.ReadUint32()
	return d.Options.decodeXDR(xr)
}

// Folder flag bits.
const (
	FlagFolderReadOnly uint32 = 1 << 0
)

// Folder describes a shared directory and its device membership, as
// exchanged in a ClusterConfig.
type Folder struct {
	ID      string
	Devices []Device
	Flags   uint32
	Options Options
}

func (f Folder) encodeXDR(xw *xdr.Writer) (int, error) {
	if len(f.ID) > MaxFolderIDLength {
		return xw.Tot(), fmt.Errorf("folder ID %q exceeds max length %d", f.ID, MaxFolderIDLength)
	}
	xw.WriteString(f.ID)
	xw.WriteUint32(uint32(len(f.Devices)))
	for _, d := range f.Devices {
		d.encodeXDR(xw)
	}
	xw.WriteUint32(f.Flags)
	f.Options.encodeXDR(xw)
	return xw.Tot(), xw.Error()
}

func (f *Folder) decodeXDR(xr *xdr.Reader) error {
	f.ID = xr.ReadString()
	n := xr.ReadUint32()
	f.Devices = make([]Device, n)
	for i := range f.Devices {
		f.Devices[i].decodeXDR(xr)
	}
	f.Flags = xr.ReadUint32()
	return f.Options.decodeXDR(xr)
}

// BlockInfo describes one fixed-size slice of a file's content.
type BlockInfo struct {
	Size uint32
	Hash []byte
}

func (b BlockInfo) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteUint32(b.Size)
	xw.WriteBytes(b.Hash)
	return xw.Tot(), xw.Error()
}

func (b *BlockInfo) decodeXDR(xr *xdr.Reader) error {
	b.Size = xr.ReadUint32()
	b.Hash = xr.ReadBytes()
	return xr.Error()
}

// FileInfo flag bits. Bits 0..11 carry the POSIX mode; the high bits are
// metadata flags and never overlap with it.
const (
	FlagFileDeleted              uint32 = 1 << 12
	FlagFileInvalid              uint32 = 1 << 13
	FlagFileDirectory            uint32 = 1 << 14
	FlagFileNoPermissions        uint32 = 1 << 15
	FlagFileSymlink              uint32 = 1 << 16
	FlagFileSymlinkMissingTarget uint32 = 1 << 17

	FlagFileAll  uint32 = (1 << 18) - 1
	fileModeMask uint32 = 0o7777
)

// FileInfo is one entry in a folder's index, as carried in Index,
// IndexUpdate, and the per-device snapshot the model maintains.
type FileInfo struct {
	Name         string
	Flags        uint32
	Modified     uint64
	Version      Vector
	LocalVersion uint64
	Blocks       []BlockInfo
}

func (f FileInfo) Deleted() bool              { return f.Flags&FlagFileDeleted != 0 }
func (f FileInfo) Invalid() bool              { return f.Flags&FlagFileInvalid != 0 }
func (f FileInfo) Directory() bool            { return f.Flags&FlagFileDirectory != 0 }
func (f FileInfo) NoPermissions() bool        { return f.Flags&FlagFileNoPermissions != 0 }
func (f FileInfo) Symlink() bool              { return f.Flags&FlagFileSymlink != 0 }
func (f FileInfo) SymlinkMissingTarget() bool { return f.Flags&FlagFileSymlinkMissingTarget != 0 }

func (f *FileInfo) SetDeleted(v bool)              { setFlag(&f.Flags, FlagFileDeleted, v) }
func (f *FileInfo) SetInvalid(v bool)              { setFlag(&f.Flags, FlagFileInvalid, v) }
func (f *FileInfo) SetDirectory(v bool)            { setFlag(&f.Flags, FlagFileDirectory, v) }
func (f *FileInfo) SetNoPermissions(v bool)        { setFlag(&f.Flags, FlagFileNoPermissions, v) }
func (f *FileInfo) SetSymlink(v bool)              { setFlag(&f.Flags, FlagFileSymlink, v) }
func (f *FileInfo) SetSymlinkMissingTarget(v bool) { setFlag(&f.Flags, FlagFileSymlinkMissingTarget, v) }

// Mode returns the POSIX permission bits carried in the low 12 bits of
// Flags.
func (f FileInfo) Mode() uint32 { return f.Flags & fileModeMask }

// SetMode ORs the given mode bits into Flags without touching the high
// metadata bits, matching the original implementation's masking behavior.
func (f *FileInfo) SetMode(mode uint32) { f.Flags |= mode & fileModeMask }

func (f FileInfo) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteString(f.Name)
	xw.WriteUint32(f.Flags)
	xw.WriteUint64(f.Modified)
	f.Version.encodeXDR(xw)
	xw.WriteUint64(f.LocalVersion)
	xw.WriteUint32(uint32(len(f.Blocks)))
	for _, b := range f.Blocks {
		b.encodeXDR(xw)
	}
	return xw.Tot(), xw.Error()
}

func (f *FileInfo) decodeXDR(xr *xdr.Reader) error {
	f.Name = xr.ReadString()
	f.Flags = xr.ReadUint32()
	f.Modified = xr.ReadUint64()
	f.Version.decodeXDR(xr)
	f.LocalVersion = xr.ReadUint64()
	n := xr.ReadUint32()
	f.Blocks = make([]BlockInfo, n)
	for i := range f.Blocks {
		f.Blocks[i].decodeXDR(xr)
	}
	return xr.Error()
}

// ClusterConfigMessage is the handshake message exchanging device name,
// client version, and shared folder membership.
type ClusterConfigMessage struct {
	ClientName    string
	ClientVersion string
	Folders       []Folder
	Options       Options
}

func (m ClusterConfigMessage) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteString(m.ClientName)
	xw.WriteString(m.ClientVersion)
	xw.WriteUint32(uint32(len(m.Folders)))
	for _, f := range m.Folders {
		f.encodeXDR(xw)
	}
	m.Options.encodeXDR(xw)
	return xw.Tot(), xw.Error()
}

func (m *ClusterConfigMessage) decodeXDR(xr *xdr.Reader) error {
	m.ClientName = xr.ReadString()
	m.ClientVersion = xr.ReadString()
	n := xr.ReadUint32()
	m.Folders = make([]Folder, n)
	for i := range m.Folders {
		m.Folders[i].decodeXDR(xr)
	}
	return m.Options.decodeXDR(xr)
}

// IndexMessage carries a full or incremental snapshot of a folder's files.
// IndexUpdateMessage shares the identical body.
type IndexMessage struct {
	Folder  string
	Files   []FileInfo
	Flags   uint32
	Options Options
}

func (m IndexMessage) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteString(m.Folder)
	xw.WriteUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		f.encodeXDR(xw)
	}
	xw.WriteUint32(m.Flags)
	m.Options.encodeXDR(xw)
	return xw.Tot(), xw.Error()
}

func (m *IndexMessage) decodeXDR(xr *xdr.Reader) error {
	m.Folder = xr.ReadString()
	n := xr.ReadUint32()
	m.Files = make([]FileInfo, n)
	for i := range m.Files {
		m.Files[i].decodeXDR(xr)
	}
	m.Flags = xr.ReadUint32()
	return m.Options.decodeXDR(xr)
}

// IndexUpdateMessage is an incremental Index; the body schema is identical.
type IndexUpdateMessage struct {
	IndexMessage
}

// RequestMessage asks the peer for a byte range of a named file.
type RequestMessage struct {
	Folder  string
	Name    string
	Offset  uint64
	Size    uint32
	Hash    []byte
	Flags   uint32
	Options Options
}

func (m RequestMessage) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteString(m.Folder)
	xw.WriteString(m.Name)
	xw.WriteUint64(m.Offset)
	xw.WriteUint32(m.Size)
	xw.WriteBytes(m.Hash)
	xw.WriteUint32(m.Flags)
	m.Options.encodeXDR(xw)
	return xw.Tot(), xw.Error()
}

func (m *RequestMessage) decodeXDR(xr *xdr.Reader) error {
	m.Folder = xr.ReadString()
	m.Name = xr.ReadString()
	m.Offset = xr.ReadUint64()
	m.Size = xr.ReadUint32()
	m.Hash = xr.ReadBytes()
	m.Flags = xr.ReadUint32()
	return m.Options.decodeXDR(xr)
}

// ResponseMessage answers a RequestMessage.
type ResponseMessage struct {
	Data []byte
	Code ResponseCode
}

func (m ResponseMessage) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteBytes(m.Data)
	xw.WriteUint32(uint32(m.Code))
	return xw.Tot(), xw.Error()
}

func (m *ResponseMessage) decodeXDR(xr *xdr.Reader) error {
	m.Data = xr.ReadBytes()
	m.Code = ResponseCode(xr.ReadUint32())
	return xr.Error()
}

// PingMessage and PongMessage carry no payload.
type PingMessage struct{}

func (PingMessage) encodeXDR(xw *xdr.Writer) (int, error) { return xw.Tot(), xw.Error() }
func (*PingMessage) decodeXDR(xr *xdr.Reader) error       { return xr.Error() }

type PongMessage struct{}

func (PongMessage) encodeXDR(xw *xdr.Writer) (int, error) { return xw.Tot(), xw.Error() }
func (*PongMessage) decodeXDR(xr *xdr.Reader) error       { return xr.Error() }

// CloseMessage announces a deliberate session shutdown.
type CloseMessage struct {
	Reason string
	Code   ResponseCode
}

func (m CloseMessage) encodeXDR(xw *xdr.Writer) (int, error) {
	xw.WriteString(m.Reason)
	xw.WriteUint32(uint32(m.Code))
	return xw.Tot(), xw.Error()
}

func (m *CloseMessage) decodeXDR(xr *xdr.Reader) error {
	m.Reason = xr.ReadString()
	m.Code = ResponseCode(xr.ReadUint32())
	return xr.Error()
}

// newMessage allocates the zero value for a wire type code, or nil for an
// unrecognized one. Table lookups happen through this function rather than
// a mutable registry: the set of message kinds is fixed at compile time.
func newMessage(msgType int) message {
	switch msgType {
	case typeClusterConfig:
		return &ClusterConfigMessage{}
	case typeIndex:
		return &IndexMessage{}
	case typeRequest:
		return &RequestMessage{}
	case typeResponse:
		return &ResponseMessage{}
	case typePing:
		return &PingMessage{}
	case typePong:
		return &PongMessage{}
	case typeIndexUpdate:
		return &IndexUpdateMessage{}
	case typeClose:
		return &CloseMessage{}
	default:
		return nil
	}
}

func messageType(m message) (int, bool) {
	switch m.(type) {
	case *ClusterConfigMessage:
		return typeClusterConfig, true
	case *IndexMessage:
		return typeIndex, true
	case *RequestMessage:
		return typeRequest, true
	case *ResponseMessage:
		return typeResponse, true
	case *PingMessage:
		return typePing, true
	case *PongMessage:
		return typePong, true
	case *IndexUpdateMessage:
		return typeIndexUpdate, true
	case *CloseMessage:
		return typeClose, true
	default:
		return 0, false
	}
}
