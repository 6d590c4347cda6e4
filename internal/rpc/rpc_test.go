package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/locks"
)

type pingReq struct {
	Value int
}

type pingResp struct {
	Echo int
}

func TestDispatchRoutesToHandlerAndEncodesResponse(t *testing.T) {
	d := NewDispatcher()
	d.Register(Entry{
		MsgType:      1,
		RequiredAuth: AuthUser,
		Locks:        locks.Nodes,
		Handler: func(ctx context.Context, body []byte) ([]byte, error) {
			var req pingReq
			require.NoError(t, DecodePayload(body, &req))
			return EncodePayload(pingResp{Echo: req.Value})
		},
	})

	reqBody, err := EncodePayload(pingReq{Value: 7})
	require.NoError(t, err)

	respBody, rc, err := d.Dispatch(context.Background(), 1, AuthUser, reqBody)
	require.NoError(t, err)
	assert.Equal(t, ctlerrors.Code(0), rc)

	var resp pingResp
	require.NoError(t, DecodePayload(respBody, &resp))
	assert.Equal(t, 7, resp.Echo)
}

func TestDispatchRejectsInsufficientAuth(t *testing.T) {
	d := NewDispatcher()
	d.Register(Entry{MsgType: 2, RequiredAuth: AuthAdmin, Handler: func(ctx context.Context, body []byte) ([]byte, error) {
		return nil, nil
	}})

	_, rc, err := d.Dispatch(context.Background(), 2, AuthUser, nil)
	assert.Error(t, err)
	assert.Equal(t, ctlerrors.CodeMissingAuth, rc)
}

func TestDispatchUnknownMessageType(t *testing.T) {
	d := NewDispatcher()
	_, _, err := d.Dispatch(context.Background(), 99, AuthAdmin, nil)
	assert.Error(t, err)
}

type tripOnceLimiter struct{ tripped bool }

func (l *tripOnceLimiter) Allow(MessageType) bool {
	if l.tripped {
		return false
	}
	l.tripped = true
	return true
}

func TestDispatchRateLimiterTripsCommunicationsBackoff(t *testing.T) {
	d := NewDispatcher()
	d.SetRateLimiter(&tripOnceLimiter{})
	d.Register(Entry{MsgType: 3, Handler: func(ctx context.Context, body []byte) ([]byte, error) { return nil, nil }})

	_, _, err := d.Dispatch(context.Background(), 3, AuthNone, nil)
	require.NoError(t, err)

	_, rc, err := d.Dispatch(context.Background(), 3, AuthNone, nil)
	assert.Error(t, err)
	assert.Equal(t, ctlerrors.CodeCommunicationsBackoff, rc)
}

func TestDispatchPropagatesHandlerErrorCode(t *testing.T) {
	d := NewDispatcher()
	d.Register(Entry{MsgType: 4, Handler: func(ctx context.Context, body []byte) ([]byte, error) {
		return nil, ctlerrors.New(ctlerrors.CodeInvalidPartition)
	}})

	_, rc, err := d.Dispatch(context.Background(), 4, AuthNone, nil)
	assert.Error(t, err)
	assert.Equal(t, ctlerrors.CodeInvalidPartition, rc)
}
