// Package ldsvc implements the loader-service protocol: a channel-based
// service that resolves object names (dynamic linkers, shared libraries) to
// executable memory objects.
//
// A request is a uint32 ordinal followed by the object name; the reply is an
// int32 status with the resolved VMO handle attached out of band on success.
package ldsvc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/procz/zk"
)

// LoadObject request ordinal.
const ordinalLoadObject = 1

var ErrBadRequest = errors.New("ldsvc: malformed request")

// Client speaks the loader protocol over a channel endpoint. It issues one
// request at a time.
type Client struct {
	ch *zk.Channel
}

// NewClient wraps a channel endpoint. Fails on an invalid handle.
func NewClient(ch *zk.Channel) (*Client, error) {
	if !ch.Valid() {
		return nil, zk.StatusBadHandle
	}
	return &Client{ch: ch}, nil
}

// Channel returns the underlying endpoint. Used to pass the loader
// connection along to the spawned process once the client is done with it.
func (c *Client) Channel() *zk.Channel {
	return c.ch
}

// LoadObject asks the service for the named object. The reply is raced
// against ctx; a reply with a non-OK status is returned as (status, nil, nil)
// so callers can distinguish service-side failure from transport failure.
func (c *Client) LoadObject(ctx context.Context, name string) (zk.Status, *zk.VMO, error) {
	req := binary.LittleEndian.AppendUint32(nil, ordinalLoadObject)
	req = append(req, name...)
	if err := c.ch.Write(req, nil); err != nil {
		return 0, nil, fmt.Errorf("ldsvc: send request: %w", err)
	}

	data, handles, err := c.ch.ReadContext(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("ldsvc: read reply: %w", err)
	}
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("ldsvc: short reply")
	}
	status := zk.Status(int32(binary.LittleEndian.Uint32(data)))
	if status != zk.StatusOK {
		for _, h := range handles {
			h.Close()
		}
		return status, nil, nil
	}
	if len(handles) != 1 {
		return 0, nil, fmt.Errorf("ldsvc: reply status OK but no VMO attached")
	}
	vmo, err := zk.AsVMO(handles[0])
	if err != nil {
		return 0, nil, fmt.Errorf("ldsvc: reply handle is not a VMO: %w", err)
	}
	return zk.StatusOK, vmo, nil
}

// ResolveFunc maps an object name to its image. Returning an error produces
// a NOT_FOUND reply.
type ResolveFunc func(name string) (*zk.VMO, error)

// Serve answers loader requests on ch until ctx ends or the peer closes.
// The VMOs returned by resolve are transferred to the requester.
func Serve(ctx context.Context, ch *zk.Channel, resolve ResolveFunc) error {
	for {
		data, handles, err := ch.ReadContext(ctx)
		if err != nil {
			if errors.Is(err, zk.StatusPeerClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ldsvc: read request: %w", err)
		}
		for _, h := range handles {
			h.Close()
		}
		if len(data) < 4 {
			return ErrBadRequest
		}
		if binary.LittleEndian.Uint32(data) != ordinalLoadObject {
			return fmt.Errorf("%w: ordinal %#x", ErrBadRequest, binary.LittleEndian.Uint32(data))
		}
		name := string(data[4:])

		reply := binary.LittleEndian.AppendUint32(nil, uint32(zk.StatusOK))
		vmo, err := resolve(name)
		if err != nil {
			status := int32(zk.StatusNotFound)
			reply = binary.LittleEndian.AppendUint32(nil, uint32(status))
			if werr := ch.Write(reply, nil); werr != nil {
				return fmt.Errorf("ldsvc: send error reply: %w", werr)
			}
			continue
		}
		if err := ch.Write(reply, []*zk.Handle{vmo.Handle}); err != nil {
			return fmt.Errorf("ldsvc: send reply: %w", err)
		}
	}
}
