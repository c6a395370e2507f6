// Package message defines the envelope exchanged between peer-rpc nodes.
//
// Envelope is the single wire record for every request and reply. A request
// carries a fresh correlation token; the reply that answers it echoes the same
// token so the caller's pending table can route it back to the waiting call.
//
//	invoke ──► return
//	attr   ──► attr-return
//	ping   ──► pong
package message

import "fmt"

// Kind names the role of an envelope.
type Kind string

const (
	KindInvoke     Kind = "invoke"      // Call a function in the remote scope
	KindAttr       Kind = "attr"        // Read an attribute of the remote scope
	KindPing       Kind = "ping"        // Liveness probe, no scope access
	KindReturn     Kind = "return"      // Reply to invoke
	KindAttrReturn Kind = "attr-return" // Reply to attr
	KindPong       Kind = "pong"        // Reply to ping
)

var replyKinds = map[Kind]Kind{
	KindInvoke: KindReturn,
	KindAttr:   KindAttrReturn,
	KindPing:   KindPong,
}

// IsRequest reports whether k is one of the three request kinds.
func (k Kind) IsRequest() bool {
	_, ok := replyKinds[k]
	return ok
}

// IsReply reports whether k is one of the three reply kinds.
func (k Kind) IsReply() bool {
	switch k {
	case KindReturn, KindAttrReturn, KindPong:
		return true
	}
	return false
}

// Reply returns the reply kind answering request kind k.
func (k Kind) Reply() (Kind, bool) {
	r, ok := replyKinds[k]
	return r, ok
}

// Envelope carries one request or reply.
//
//   - invoke:  Func and Args are set.
//   - attr:    Attr is set.
//   - replies: Data holds the result, Error is non-nil if the call failed.
type Envelope struct {
	Kind   Kind             `json:"kind"`
	Token  string           `json:"token"`           // Correlation token, echoed by the reply
	Origin string           `json:"origin"`          // Identity of the sending node
	Func   string           `json:"func,omitempty"`  // invoke only
	Args   []any            `json:"args,omitempty"`  // invoke only, positional
	Attr   string           `json:"attr,omitempty"`  // attr only
	Data   any              `json:"data,omitempty"`  // replies only
	Error  *ErrorDescriptor `json:"error,omitempty"` // replies only
}

// Validate checks the fields every envelope must carry. Envelopes that fail
// are dropped by the receiver.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("nil envelope")
	}
	if e.Kind == "" {
		return fmt.Errorf("envelope has no kind")
	}
	if !e.Kind.IsRequest() && !e.Kind.IsReply() {
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.Token == "" {
		return fmt.Errorf("%s envelope has no correlation token", e.Kind)
	}
	return nil
}

// NewReply builds the reply skeleton for request req, sent by origin.
func NewReply(req *Envelope, origin string) *Envelope {
	kind, _ := req.Kind.Reply()
	return &Envelope{
		Kind:   kind,
		Token:  req.Token,
		Origin: origin,
	}
}
