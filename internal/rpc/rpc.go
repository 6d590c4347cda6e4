// Package rpc implements the message-type dispatch table: per spec §4.10,
// a (message-type, handler, lock-set, required-auth-level) table that
// records wall time and response code per call, applies a pluggable rate
// limiter, and is the sole owner of freeing the inbound message.
package rpc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/locks"
	"github.com/cuemby/warrenctld/internal/log"
	"github.com/cuemby/warrenctld/internal/metrics"
)

// MessageType is the stable wire enum value identifying a request.
type MessageType uint32

// AuthLevel ranks the credential strength required to invoke a handler.
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthUser
	AuthOperator
	AuthAdmin
)

var mpHandle codec.MsgpackHandle

// EncodePayload msgpack-encodes v for a handler's response body.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("rpc: encode payload: %w", err)
	}
	return buf, nil
}

// DecodePayload msgpack-decodes body into v, typically a handler's request
// struct pointer.
func DecodePayload(body []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(body, &mpHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("rpc: decode payload: %w", err)
	}
	return nil
}

// HandlerFunc processes one decoded request body and returns an encoded
// response body.
type HandlerFunc func(ctx context.Context, body []byte) ([]byte, error)

// Entry is one row of the dispatch table.
type Entry struct {
	MsgType      MessageType
	Handler      HandlerFunc
	Locks        locks.LockSet
	RequiredAuth AuthLevel
}

// RateLimiter is consulted before every dispatch. The default is a no-op
// that always allows the request.
type RateLimiter interface {
	Allow(msgType MessageType) bool
}

// NoOpRateLimiter never trips.
type NoOpRateLimiter struct{}

func (NoOpRateLimiter) Allow(MessageType) bool { return true }

// Dispatcher routes decoded requests to registered handlers, recording wall
// time and response code for every call.
type Dispatcher struct {
	mu      sync.RWMutex
	table   map[MessageType]Entry
	limiter RateLimiter
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		table:   map[MessageType]Entry{},
		limiter: NoOpRateLimiter{},
	}
}

// Register adds or replaces the handler for e.MsgType.
func (d *Dispatcher) Register(e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table[e.MsgType] = e
}

// SetRateLimiter installs a custom rate limiter, replacing the default
// no-op.
func (d *Dispatcher) SetRateLimiter(rl RateLimiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiter = rl
}

// Dispatch routes one inbound request. The caller is responsible for
// framing/deframing the raw bytes (internal/wire) and for freeing the
// inbound message once Dispatch returns — no component downstream of this
// call may retain it.
//
// rc is zero on success. On failure it carries the stable numeric code
// when err is a *ctlerrors.Error (rate-limit trip, missing auth, or a
// handler returning one unwrapped); otherwise it stays zero.
func (d *Dispatcher) Dispatch(ctx context.Context, msgType MessageType, auth AuthLevel, body []byte) (respBody []byte, rc ctlerrors.Code, err error) {
	timer := metrics.NewTimer()
	label := strconv.FormatUint(uint64(msgType), 10)
	defer func() {
		metrics.DispatchDuration.WithLabelValues(label).Observe(timer.Duration().Seconds())
		metrics.DispatchRequestsTotal.WithLabelValues(label, strconv.Itoa(int(rc))).Inc()
	}()

	if !d.limiter.Allow(msgType) {
		metrics.RateLimitTripsTotal.Inc()
		rc = ctlerrors.CodeCommunicationsBackoff
		err = ctlerrors.New(rc)
		return
	}

	d.mu.RLock()
	entry, ok := d.table[msgType]
	d.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("rpc: no handler registered for message type %d", msgType)
		return
	}
	if auth < entry.RequiredAuth {
		rc = ctlerrors.CodeMissingAuth
		err = ctlerrors.New(rc)
		return
	}

	start := time.Now()
	respBody, err = entry.Handler(ctx, body)
	log.WithComponent("rpc").Debug().
		Uint32("msg_type", uint32(msgType)).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("dispatched request")
	if err != nil {
		if ce, ok := err.(*ctlerrors.Error); ok {
			rc = ce.Code
		}
		return
	}
	return respBody, 0, nil
}
