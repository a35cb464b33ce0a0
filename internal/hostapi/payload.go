package hostapi

import (
	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/memory"
	"github.com/wwu-pi/dcl/internal/wire"
)

// The functions below encode the kind-specific remainder of a
// proto.Request.Payload for the create/bind operations a Context issues.
// Their decode-side counterparts live in internal/session.

func encodeCreateBuffer(flags memory.Flags, size uint64, initial []byte) []byte {
	w := wire.NewWriter()
	w.PutUint32(uint32(flags))
	w.PutUint64(size)
	w.PutBytes(initial)
	return w.Bytes()
}

func encodeCreateKernel(programID uint64, name string) []byte {
	w := wire.NewWriter()
	w.PutUint64(programID)
	w.PutString(name)
	return w.Bytes()
}

func encodeSetKernelArg(kernelID uint64, index uint32, objectID uint64, flags memory.Flags) []byte {
	w := wire.NewWriter()
	w.PutUint64(kernelID)
	w.PutUint32(index)
	w.PutUint64(objectID)
	w.PutUint32(uint32(flags))
	return w.Bytes()
}

// encodeEventReplica encodes the fields a node needs to register a local
// replica for an event owned by a different node.
func encodeEventReplica(eventID, commandID uint64, ownerNode string, objectIDs []uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(eventID)
	w.PutUint64(commandID)
	w.PutString(ownerNode)
	w.PutUint64Slice(objectIDs)
	return w.Bytes()
}

func encodeStatus(status int32) []byte {
	w := wire.NewWriter()
	w.PutInt32(status)
	return w.Bytes()
}

// decodeProfiling reverses internal/session's profiling-info encoding.
func decodeProfiling(info []byte) (event.Profiling, error) {
	r := wire.NewReader(info)
	var p event.Profiling
	var err error
	if p.Queued, err = r.Int64(); err != nil {
		return event.Profiling{}, err
	}
	if p.Submit, err = r.Int64(); err != nil {
		return event.Profiling{}, err
	}
	if p.Start, err = r.Int64(); err != nil {
		return event.Profiling{}, err
	}
	if p.End, err = r.Int64(); err != nil {
		return event.Profiling{}, err
	}
	if p.Received, err = r.Int64(); err != nil {
		return event.Profiling{}, err
	}
	return p, nil
}
