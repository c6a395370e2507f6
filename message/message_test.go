package message

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindPairs(t *testing.T) {
	cases := []struct {
		req, reply Kind
	}{
		{KindInvoke, KindReturn},
		{KindAttr, KindAttrReturn},
		{KindPing, KindPong},
	}
	for _, tc := range cases {
		got, ok := tc.req.Reply()
		require.True(t, ok, "%s should have a reply kind", tc.req)
		assert.Equal(t, tc.reply, got)
		assert.True(t, tc.req.IsRequest())
		assert.False(t, tc.req.IsReply())
		assert.True(t, tc.reply.IsReply())
		assert.False(t, tc.reply.IsRequest())
	}

	_, ok := KindPong.Reply()
	assert.False(t, ok, "replies are not answered")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
		ok   bool
	}{
		{"nil", nil, false},
		{"missing kind", &Envelope{Token: "t"}, false},
		{"unknown kind", &Envelope{Kind: "rpc-frobnicate", Token: "t"}, false},
		{"missing token", &Envelope{Kind: KindPing}, false},
		{"request", &Envelope{Kind: KindInvoke, Token: "t", Func: "add"}, true},
		{"reply", &Envelope{Kind: KindPong, Token: "t"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewReplyEchoesToken(t *testing.T) {
	req := &Envelope{Kind: KindAttr, Token: "abc", Origin: "n1", Attr: "answer"}
	reply := NewReply(req, "n2")

	assert.Equal(t, KindAttrReturn, reply.Kind)
	assert.Equal(t, "abc", reply.Token)
	assert.Equal(t, "n2", reply.Origin)
}

func TestErrorDescriptorRoundTrip(t *testing.T) {
	cases := []struct {
		err      error
		code     string
		sentinel error
	}{
		{fmt.Errorf("no such member %q: %w", "frob", ErrUnknownFunction), CodeUnknownFunction, ErrUnknownFunction},
		{ErrTimeout, CodeTimeout, ErrTimeout},
		{fmt.Errorf("bad args: %w", ErrInvalidArgument), CodeInvalidArgument, ErrInvalidArgument},
		{errors.New("this is an error"), CodeRemote, ErrRemote},
	}
	for _, tc := range cases {
		d := Describe(tc.err)
		require.NotNil(t, d)
		assert.Equal(t, tc.code, d.Code)
		assert.Equal(t, tc.err.Error(), d.Message)

		back := d.Err("n2")
		assert.ErrorIs(t, back, tc.sentinel)
		assert.Contains(t, back.Error(), tc.err.Error())
	}

	assert.Nil(t, Describe(nil))
	assert.NoError(t, (*ErrorDescriptor)(nil).Err("n2"))
}

func TestRateLimitedIsRemote(t *testing.T) {
	err := (&ErrorDescriptor{Code: CodeRateLimited, Message: "rate limit exceeded"}).Err("n2")
	assert.ErrorIs(t, err, ErrRemote)
	assert.NotErrorIs(t, err, ErrTimeout)

	// Forwarding a remote error keeps its code.
	d := Describe(err)
	assert.Equal(t, CodeRateLimited, d.Code)
	assert.Equal(t, "rate limit exceeded", d.Message)
}

func TestReportedIsAlwaysRemote(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("downstream: %w", ErrTimeout),
		fmt.Errorf("bad args: %w", ErrInvalidArgument),
		fmt.Errorf("lookup: %w", ErrUnknownFunction),
		errors.New("plain"),
	} {
		d := Reported(err)
		require.NotNil(t, d)
		assert.Equal(t, CodeRemote, d.Code)
		assert.Equal(t, err.Error(), d.Message)

		back := d.Err("n2")
		assert.ErrorIs(t, back, ErrRemote)
		assert.NotErrorIs(t, back, ErrTimeout)
		assert.NotErrorIs(t, back, ErrInvalidArgument)
		assert.NotErrorIs(t, back, ErrUnknownFunction)
	}
	assert.Nil(t, Reported(nil))
}
