package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/protocol"
)

// tcpConn is one framed TCP connection to a peer. Any number of calls in
// either direction share it: every envelope carries its own correlation
// token, so replies may come back in any order.
//
//	goroutine-1 ──Send(tok=a)──┐
//	goroutine-2 ──Send(tok=b)──┼──→ single TCP conn ──→ peer
//	goroutine-3 ──Send(tok=c)──┘
//
//	recvLoop:  ←── envelope(tok=b) → handler → pending[b] → goroutine-2 wakes up
type tcpConn struct {
	remote  string
	conn    net.Conn
	codec   codec.Codec
	sending sync.Mutex // Write lock, so frames of concurrent sends never interleave
	in      *inbox
	log     *zap.Logger
	onClose func(*tcpConn)

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*tcpConn)(nil)

func newTCPConn(remote string, conn net.Conn, cdc codec.Codec, log *zap.Logger, onClose func(*tcpConn)) *tcpConn {
	return &tcpConn{
		remote:  remote,
		conn:    conn,
		codec:   cdc,
		in:      newInbox(),
		log:     log.With(zap.String("peer", remote), zap.Stringer("remote_addr", conn.RemoteAddr())),
		onClose: onClose,
	}
}

func (c *tcpConn) RemoteID() string { return c.remote }

func (c *tcpConn) SetHandler(h Handler) { c.in.setHandler(h) }

// Send encodes env and writes it as one frame.
func (c *tcpConn) Send(env *message.Envelope) error {
	body, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	return c.writeFrame(protocol.MsgTypeEnvelope, body)
}

// writeFrame refuses bodies the peer would reject, so one oversized
// envelope cannot take down the connection every other call shares.
func (c *tcpConn) writeFrame(mt protocol.MsgType, body []byte) error {
	if uint64(len(body)) > uint64(protocol.MaxBodyLen) {
		return fmt.Errorf("%w: frame body of %d bytes exceeds limit %d", message.ErrInvalidArgument, len(body), protocol.MaxBodyLen)
	}
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   mt,
		BodyLen:   uint32(len(body)),
	}
	c.sending.Lock()
	err := protocol.Encode(c.conn, &header, body)
	c.sending.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write to %s: %w", message.ErrConnection, c.remote, err)
	}
	return nil
}

// recvLoop is the only reader of the connection; TCP is a byte stream, so
// frames must be parsed sequentially. Decoded envelopes go through the inbox,
// which delivers them in order once a handler is installed.
func (c *tcpConn) recvLoop() {
	defer c.Close()
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			if !c.in.isClosed() {
				c.log.Debug("connection read ended", zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat, protocol.MsgTypeHello:
			continue
		}

		env := new(message.Envelope)
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, env); err != nil {
			c.log.Warn("dropping undecodable envelope", zap.Error(err))
			continue
		}
		c.in.push(env)
	}
}

// heartbeatLoop keeps idle connections from being reaped by middleboxes and
// surfaces dead peers as write errors.
func (c *tcpConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(protocol.MsgTypeHeartbeat, nil); err != nil {
				c.log.Debug("heartbeat failed, closing", zap.Error(err))
				c.Close()
				return
			}
		case <-c.in.closed:
			return
		}
	}
}

// Close closes the socket; the read loop and inbox stop with it.
func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.in.close()
		if c.onClose != nil {
			c.onClose(c)
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
