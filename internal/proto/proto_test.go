package proto_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/proto"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &proto.Request{
		RequestID:  uuid.New(),
		Kind:       proto.KindEnqueueWriteBuffer,
		ContextID:  1,
		QueueID:    2,
		CommandID:  3,
		EventID:    4,
		WaitList:   []proto.ObjectID{10, 11},
		IsBlocking: true,
		Payload:    []byte{1, 2, 3},
	}
	got, err := proto.DecodeRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &proto.Response{
		RequestID: uuid.New(),
		Kind:      proto.RespError,
		Error:     clerr.InvalidMemObject,
		Info:      []byte("detail"),
	}
	got, err := proto.DecodeResponse(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestNotificationRoundTrip(t *testing.T) {
	n := &proto.Notification{
		Kind:     proto.NotifySynchronise,
		TargetID: 42,
		Status:   -1,
		PeerNode: "node-b",
	}
	got, err := proto.DecodeNotification(n.Encode())
	require.NoError(t, err)
	require.Equal(t, n, got)
}
