package session

import (
	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/memory"
	"github.com/wwu-pi/dcl/internal/wire"
)

// The functions below decode the kind-specific remainder of a
// proto.Request.Payload for the create/bind operations that populate a
// Session. Their encode-side counterparts live in
// internal/hostapi, the one package on the host side allowed to know the
// wire shape of these requests.

// decodeCreateBuffer reverses hostapi's buffer-create encoding: flags,
// size, then the length-prefixed initial bytes.
func decodeCreateBuffer(payload []byte) (flags memory.Flags, size uint64, initial []byte, err error) {
	r := wire.NewReader(payload)
	rawFlags, err := r.Uint32()
	if err != nil {
		return 0, 0, nil, err
	}
	size, err = r.Uint64()
	if err != nil {
		return 0, 0, nil, err
	}
	initial, err = r.Bytes()
	if err != nil {
		return 0, 0, nil, err
	}
	return memory.Flags(rawFlags), size, initial, nil
}

// decodeCreateKernel reverses hostapi's kernel-create encoding: the
// owning program id followed by the entry-point name.
func decodeCreateKernel(payload []byte) (programID uint64, name string, err error) {
	r := wire.NewReader(payload)
	programID, err = r.Uint64()
	if err != nil {
		return 0, "", err
	}
	name, err = r.String()
	return programID, name, err
}

// decodeEventReplica reverses hostapi's event-replica encoding: the event
// and command id the replica mirrors, the node that owns it, and the ids
// of the memory objects it releases.
func decodeEventReplica(payload []byte) (eventID, commandID uint64, ownerNode string, objectIDs []uint64, err error) {
	r := wire.NewReader(payload)
	eventID, err = r.Uint64()
	if err != nil {
		return 0, 0, "", nil, err
	}
	commandID, err = r.Uint64()
	if err != nil {
		return 0, 0, "", nil, err
	}
	ownerNode, err = r.String()
	if err != nil {
		return 0, 0, "", nil, err
	}
	objectIDs, err = r.Uint64Slice()
	if err != nil {
		return 0, 0, "", nil, err
	}
	return eventID, commandID, ownerNode, objectIDs, nil
}

// encodeProfiling encodes the get_profiling_info timestamps for a
// KindGetProfilingInfo response's Info field.
func encodeProfiling(p event.Profiling) []byte {
	w := wire.NewWriter()
	w.PutInt64(p.Queued)
	w.PutInt64(p.Submit)
	w.PutInt64(p.Start)
	w.PutInt64(p.End)
	w.PutInt64(p.Received)
	return w.Bytes()
}

// decodeSetKernelArg reverses hostapi's kernel-arg encoding: kernel id,
// argument index, bound memory-object id, and that object's flags.
func decodeSetKernelArg(payload []byte) (kernelID uint64, index uint32, objectID uint64, flags memory.Flags, err error) {
	r := wire.NewReader(payload)
	kernelID, err = r.Uint64()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	index, err = r.Uint32()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	objectID, err = r.Uint64()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	rawFlags, err := r.Uint32()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return kernelID, index, objectID, memory.Flags(rawFlags), nil
}

// decodeStatus reverses hostapi's user-event status encoding.
func decodeStatus(payload []byte) (int32, error) {
	r := wire.NewReader(payload)
	return r.Int32()
}
