package mmio

import "encoding/binary"

// Params32Size and Params64Size are the byte sizes of the two
// packed-parameter struct shapes that can live at the guest address
// latched through RegParamsAddrLow/RegParamsAddrHigh.
const (
	Params32Size = 24
	Params64Size = 40
)

// Params is the decoded form of the packed-parameter struct used by the
// ACCESS_PARAMS alternative command path (spec §6.5), regardless of
// which wire shape it was read from.
type Params struct {
	Channel uint64
	Size    uint32
	Address uint64
	Cmd     uint32
	Result  uint32
	Flags   uint32
}

// decode32 reads the 24-byte shape: four-byte channel, size, address,
// cmd, result, flags, in that order.
func decode32(buf []byte) Params {
	return Params{
		Channel: uint64(binary.NativeEndian.Uint32(buf[0:4])),
		Size:    binary.NativeEndian.Uint32(buf[4:8]),
		Address: uint64(binary.NativeEndian.Uint32(buf[8:12])),
		Cmd:     binary.NativeEndian.Uint32(buf[12:16]),
		Result:  binary.NativeEndian.Uint32(buf[16:20]),
		Flags:   binary.NativeEndian.Uint32(buf[20:24]),
	}
}

// decode64 reads the 40-byte shape: eight-byte channel, four-byte size,
// eight-byte address, an eight-byte cmd of which only the low 32 bits
// are kept, then four-byte result at [28:32) and four-byte flags at
// [32:36). cmd occupies bytes [20:28);
// its low word exactly overlaps the byte range a 32-bit-shape read would
// have interpreted as "flags" ([20:24)), which is the overlap the
// detection heuristic below relies on.
func decode64(buf []byte) Params {
	return Params{
		Channel: binary.NativeEndian.Uint64(buf[0:8]),
		Size:    binary.NativeEndian.Uint32(buf[8:12]),
		Address: binary.NativeEndian.Uint64(buf[12:20]),
		Cmd:     uint32(binary.NativeEndian.Uint64(buf[20:28])),
		Result:  binary.NativeEndian.Uint32(buf[28:32]),
		Flags:   binary.NativeEndian.Uint32(buf[32:36]),
	}
}

// DecodeParams reads the packed-parameter struct from buf, which must
// back at least Params32Size bytes of guest memory mapped at the
// ACCESS_PARAMS address. It first interprets buf as the 32-bit shape; if
// the byte range that shape calls "flags" is nonzero, that range is
// actually overlapping the low word of a 64-bit shape's "cmd" field, so
// the struct is re-read as the 64-bit shape (which requires buf to back
// Params64Size bytes; callers size their guest-memory mapping request
// accordingly before calling in ambiguous cases, or simply always map
// Params64Size bytes, as the device's ACCESS_PARAMS path does).
func DecodeParams(buf []byte) (p Params, wide bool, ok bool) {
	if len(buf) < Params32Size {
		return Params{}, false, false
	}
	p32 := decode32(buf)
	if p32.Flags == 0 || len(buf) < Params64Size {
		return p32, false, true
	}
	return decode64(buf), true, true
}

// EncodeResult writes result and flags back into buf at the positions
// the 32-bit shape (or the 64-bit shape, when useWide is set) expects them,
// so the guest can read back the command's outcome through the same
// struct it wrote.
func EncodeResult(buf []byte, result, flags uint32, useWide bool) {
	if useWide && len(buf) >= Params64Size {
		binary.NativeEndian.PutUint32(buf[28:32], result)
		binary.NativeEndian.PutUint32(buf[32:36], flags)
		return
	}
	if len(buf) >= Params32Size {
		binary.NativeEndian.PutUint32(buf[16:20], result)
		binary.NativeEndian.PutUint32(buf[20:24], flags)
	}
}
