package queue

import "github.com/wwu-pi/dcl/internal/wire"

// The functions below encode the kind-specific remainder of a
// proto.Request.Payload for each enqueue operation.
// Buffer/kernel contents never appear here — only the object ids and
// integer parameters a daemon needs to locate them and call the matching
// native enqueue function.

func encodeBufferOp(bufferID uint64, offset, size uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(bufferID)
	w.PutUint64(offset)
	w.PutUint64(size)
	return w.Bytes()
}

func encodeCopyOp(srcID, dstID uint64, srcOffset, dstOffset, size uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(srcID)
	w.PutUint64(dstID)
	w.PutUint64(srcOffset)
	w.PutUint64(dstOffset)
	w.PutUint64(size)
	return w.Bytes()
}

func encodeMapOp(bufferID uint64, mapFlags uint32, offset, size uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(bufferID)
	w.PutUint32(mapFlags)
	w.PutUint64(offset)
	w.PutUint64(size)
	return w.Bytes()
}

func encodeUnmapOp(bufferID uint64, mapFlags uint32, offset, size uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(bufferID)
	w.PutUint32(mapFlags)
	w.PutUint64(offset)
	w.PutUint64(size)
	return w.Bytes()
}

func encodeNDRangeOp(kernelID uint64, globalWorkSize, localWorkSize []uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(kernelID)
	w.PutUint64Slice(globalWorkSize)
	w.PutUint64Slice(localWorkSize)
	return w.Bytes()
}

func encodeTaskOp(kernelID uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(kernelID)
	return w.Bytes()
}

// DecodeBufferOp reverses encodeBufferOp, used by the daemon-side executor.
func DecodeBufferOp(payload []byte) (bufferID, offset, size uint64, err error) {
	r := wire.NewReader(payload)
	if bufferID, err = r.Uint64(); err != nil {
		return
	}
	if offset, err = r.Uint64(); err != nil {
		return
	}
	size, err = r.Uint64()
	return
}

// DecodeCopyOp reverses encodeCopyOp.
func DecodeCopyOp(payload []byte) (srcID, dstID, srcOffset, dstOffset, size uint64, err error) {
	r := wire.NewReader(payload)
	if srcID, err = r.Uint64(); err != nil {
		return
	}
	if dstID, err = r.Uint64(); err != nil {
		return
	}
	if srcOffset, err = r.Uint64(); err != nil {
		return
	}
	if dstOffset, err = r.Uint64(); err != nil {
		return
	}
	size, err = r.Uint64()
	return
}

// DecodeMapOp reverses encodeMapOp.
func DecodeMapOp(payload []byte) (bufferID uint64, mapFlags uint32, offset, size uint64, err error) {
	r := wire.NewReader(payload)
	if bufferID, err = r.Uint64(); err != nil {
		return
	}
	if mapFlags, err = r.Uint32(); err != nil {
		return
	}
	if offset, err = r.Uint64(); err != nil {
		return
	}
	size, err = r.Uint64()
	return
}

// DecodeUnmapOp reverses encodeUnmapOp: the recorded mapping's flags,
// offset and size travel with the unmap so the daemon can replay the
// correct write.
func DecodeUnmapOp(payload []byte) (bufferID uint64, mapFlags uint32, offset, size uint64, err error) {
	r := wire.NewReader(payload)
	if bufferID, err = r.Uint64(); err != nil {
		return
	}
	if mapFlags, err = r.Uint32(); err != nil {
		return
	}
	if offset, err = r.Uint64(); err != nil {
		return
	}
	size, err = r.Uint64()
	return
}

// DecodeNDRangeOp reverses encodeNDRangeOp.
func DecodeNDRangeOp(payload []byte) (kernelID uint64, globalWorkSize, localWorkSize []uint64, err error) {
	r := wire.NewReader(payload)
	if kernelID, err = r.Uint64(); err != nil {
		return
	}
	if globalWorkSize, err = r.Uint64Slice(); err != nil {
		return
	}
	localWorkSize, err = r.Uint64Slice()
	return
}

// DecodeTaskOp reverses encodeTaskOp.
func DecodeTaskOp(payload []byte) (kernelID uint64, err error) {
	r := wire.NewReader(payload)
	kernelID, err = r.Uint64()
	return
}
