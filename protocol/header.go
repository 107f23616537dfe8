// Copyright (C) 2014 The Protocol Authors.

package protocol

import "github.com/calmh/xdr"

// frameHeader is the 8-byte, big-endian frame prefix: a 4-bit version, a
// 12-bit message ID, an 8-bit message type, and a compression flag in the
// low bit, packed into the first big-endian uint32. The second uint32
// (encoded separately by callers) carries the payload length.
type frameHeader struct {
	version     int
	msgID       int
	msgType     int
	compression bool
}

func (h frameHeader) encodeXDR(xw *xdr.Writer) (int, error) {
	return xw.WriteUint32(encodeHeader(h))
}

func (h *frameHeader) decodeXDR(xr *xdr.Reader) error {
	*h = decodeHeader(xr.ReadUint32())
	return xr.Error()
}

func encodeHeader(h frameHeader) uint32 {
	var isComp uint32
	if h.compression {
		isComp = 1 // the zeroth bit is the compression bit
	}
	return uint32(h.version&0xf)<<28 |
		uint32(h.msgID&0xfff)<<16 |
		uint32(h.msgType&0xff)<<8 |
		isComp
}

func decodeHeader(u uint32) frameHeader {
	return frameHeader{
		version:     int(u>>28) & 0xf,
		msgID:       int(u>>16) & 0xfff,
		msgType:     int(u>>8) & 0xff,
		compression: u&1 == 1,
	}
}
