package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/spine/internal/protocol/frame"
	"github.com/danmuck/spine/internal/protocol/schema"
	"github.com/danmuck/spine/internal/protocol/tlv"
	"github.com/danmuck/spine/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, in Message) Message {
	t.Helper()
	f, err := Encode(7, in)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, frame.WriteFrame(&buf, f, frame.DefaultLimits()))
	fr, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, in.Type, fr.Header.MessageType)

	out, err := Decode(fr)
	require.NoError(t, err)
	return out
}

func TestQueryCarriesArgsSessionAndScope(t *testing.T) {
	testlog.Start(t)
	in := Query("tok-1", "status", []any{"motor.1", map[string]any{"verbose": true}},
		&Session{ID: "s1", User: "ann", Groups: []string{"admin"}}, "global")
	out := roundTrip(t, in)

	assert.Equal(t, "tok-1", out.QueryID)
	assert.Equal(t, "status", out.Name)
	assert.Equal(t, "global", out.Scope)
	require.Len(t, out.Args, 2)
	assert.Equal(t, "motor.1", out.Args[0])
	assert.Equal(t, map[string]any{"verbose": true}, out.Args[1])
	require.NotNil(t, out.Session)
	assert.Equal(t, []string{"admin"}, out.Session.Groups)
}

func TestCommandWithoutArgsDecodesEmptySlice(t *testing.T) {
	testlog.Start(t)
	out := roundTrip(t, Command("motor.stop", nil, nil, ""))
	assert.NotNil(t, out.Args)
	assert.Empty(t, out.Args)
	assert.Nil(t, out.Session)
}

func TestQueryResponseValues(t *testing.T) {
	testlog.Start(t)
	out := roundTrip(t, QueryResponse("tok-2", "pong"))
	assert.Equal(t, "pong", out.Response)

	out = roundTrip(t, QueryResponse("tok-3", []any{"A-ok", "B-ok"}))
	assert.Equal(t, []any{"A-ok", "B-ok"}, out.Response)

	out = roundTrip(t, QueryResponse("tok-4", nil))
	assert.Nil(t, out.Response)
}

func TestEventAndRegistrations(t *testing.T) {
	testlog.Start(t)
	out := roundTrip(t, Event("valueChanged", "temp.1", []any{"21.5"}, nil, "process"))
	assert.Equal(t, "valueChanged", out.Name)
	assert.Equal(t, "temp.1", out.EventID)
	assert.Equal(t, "process", out.Scope)

	out = roundTrip(t, RegisterEventHandler("valueChanged", ""))
	assert.Equal(t, "", out.EventID)

	out = roundTrip(t, RegisterProcess("127.0.0.1:9001", "proc-a"))
	assert.Equal(t, "127.0.0.1:9001", out.Address)
	assert.Equal(t, "proc-a", out.ProcessID)

	out = roundTrip(t, ProcessList(nil))
	assert.NotNil(t, out.List)
	assert.Empty(t, out.List)

	out = roundTrip(t, ProcessList([]string{"a:1", "b:2"}))
	assert.Equal(t, []string{"a:1", "b:2"}, out.List)
}

func TestEncodeRejectsMissingRequired(t *testing.T) {
	testlog.Start(t)
	_, err := Encode(1, RegisterProcess("", "proc-a"))
	var ve schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, schema.FieldAddress, ve.FieldID)
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	_, err := Decode(frame.New(schema.MsgCommand, 1, []byte{0, 1}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(frame.New(4242, 1, nil))
	assert.ErrorIs(t, err, ErrMalformed)

	bad := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldName, "x"),
		tlv.Bytes(schema.FieldArgs, []byte{0xff, 0xff}),
	})
	_, err = Decode(frame.New(schema.MsgCommand, 1, bad))
	assert.ErrorIs(t, err, ErrMalformed)
}
