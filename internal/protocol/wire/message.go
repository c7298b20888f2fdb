package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/spine/internal/protocol/frame"
	"github.com/danmuck/spine/internal/protocol/schema"
	"github.com/danmuck/spine/internal/protocol/tlv"
)

var ErrMalformed = errors.New("wire: malformed message")

// Session is the wire shape of a caller session.
type Session struct {
	ID     string   `cbor:"id,omitempty"`
	User   string   `cbor:"user,omitempty"`
	Groups []string `cbor:"groups,omitempty"`
}

// Message is one decoded bus message. Only the fields relevant to Type are set.
type Message struct {
	Type      uint32
	Name      string
	QueryID   string
	EventID   string
	Scope     string
	Args      []any
	Session   *Session
	Response  any
	Address   string
	ProcessID string
	List      []string
}

func (m Message) TypeName() string {
	return schema.Name(m.Type)
}

func Command(name string, args []any, session *Session, scope string) Message {
	return Message{Type: schema.MsgCommand, Name: name, Args: args, Session: session, Scope: scope}
}

func Query(queryID, name string, args []any, session *Session, scope string) Message {
	return Message{Type: schema.MsgQuery, QueryID: queryID, Name: name, Args: args, Session: session, Scope: scope}
}

func QueryResponse(queryID string, response any) Message {
	return Message{Type: schema.MsgQueryResponse, QueryID: queryID, Response: response}
}

func Event(name, eventID string, args []any, session *Session, scope string) Message {
	return Message{Type: schema.MsgEvent, Name: name, EventID: eventID, Args: args, Session: session, Scope: scope}
}

func RegisterCommandHandler(name string) Message {
	return Message{Type: schema.MsgRegisterCommandHandler, Name: name}
}

func RegisterQueryHandler(name string) Message {
	return Message{Type: schema.MsgRegisterQueryHandler, Name: name}
}

func RegisterEventHandler(name, eventID string) Message {
	return Message{Type: schema.MsgRegisterEventHandler, Name: name, EventID: eventID}
}

func RegisterProcess(address, processID string) Message {
	return Message{Type: schema.MsgRegisterProcess, Address: address, ProcessID: processID}
}

func ProcessList(list []string) Message {
	return Message{Type: schema.MsgProcessList, List: list}
}

// Encode validates m against its schema and wraps it in a frame.
func Encode(messageID uint64, m Message) (frame.Frame, error) {
	fields, err := m.fields()
	if err != nil {
		return frame.Frame{}, err
	}
	if err := schema.Validate(m.Type, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.New(m.Type, messageID, tlv.EncodeFields(fields)), nil
}

// Decode parses and validates one frame into a Message.
func Decode(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := Message{
		Type:      f.Header.MessageType,
		Name:      tlv.GetString(fields, schema.FieldName),
		QueryID:   tlv.GetString(fields, schema.FieldQueryID),
		EventID:   tlv.GetString(fields, schema.FieldEventID),
		Scope:     tlv.GetString(fields, schema.FieldScope),
		Address:   tlv.GetString(fields, schema.FieldAddress),
		ProcessID: tlv.GetString(fields, schema.FieldProcessID),
	}
	if raw := tlv.GetBytes(fields, schema.FieldArgs); raw != nil {
		if err := UnmarshalValue(raw, &m.Args); err != nil {
			return Message{}, fmt.Errorf("%w: args: %v", ErrMalformed, err)
		}
	}
	if raw := tlv.GetBytes(fields, schema.FieldSession); raw != nil {
		var s Session
		if err := UnmarshalValue(raw, &s); err != nil {
			return Message{}, fmt.Errorf("%w: session: %v", ErrMalformed, err)
		}
		m.Session = &s
	}
	if raw := tlv.GetBytes(fields, schema.FieldResponse); raw != nil {
		if err := UnmarshalValue(raw, &m.Response); err != nil {
			return Message{}, fmt.Errorf("%w: response: %v", ErrMalformed, err)
		}
	}
	if raw := tlv.GetBytes(fields, schema.FieldList); raw != nil {
		if err := UnmarshalValue(raw, &m.List); err != nil {
			return Message{}, fmt.Errorf("%w: list: %v", ErrMalformed, err)
		}
	}
	if m.Args == nil && (m.Type == schema.MsgCommand || m.Type == schema.MsgQuery || m.Type == schema.MsgEvent) {
		m.Args = []any{}
	}
	return m, nil
}

func (m Message) fields() ([]tlv.Field, error) {
	fields := make([]tlv.Field, 0, 6)
	addString := func(id uint16, v string) {
		if strings.TrimSpace(v) != "" {
			fields = append(fields, tlv.String(id, v))
		}
	}
	addValue := func(id uint16, v any) error {
		raw, err := MarshalValue(v)
		if err != nil {
			return fmt.Errorf("wire: encode field %d of %s: %w", id, m.TypeName(), err)
		}
		fields = append(fields, tlv.Bytes(id, raw))
		return nil
	}

	addString(schema.FieldName, m.Name)
	addString(schema.FieldQueryID, m.QueryID)
	addString(schema.FieldEventID, m.EventID)
	addString(schema.FieldScope, m.Scope)
	addString(schema.FieldAddress, m.Address)
	addString(schema.FieldProcessID, m.ProcessID)

	switch m.Type {
	case schema.MsgCommand, schema.MsgQuery, schema.MsgEvent:
		args := m.Args
		if args == nil {
			args = []any{}
		}
		if err := addValue(schema.FieldArgs, args); err != nil {
			return nil, err
		}
		if m.Session != nil {
			if err := addValue(schema.FieldSession, m.Session); err != nil {
				return nil, err
			}
		}
	case schema.MsgQueryResponse:
		if err := addValue(schema.FieldResponse, m.Response); err != nil {
			return nil, err
		}
	case schema.MsgProcessList:
		list := m.List
		if list == nil {
			list = []string{}
		}
		if err := addValue(schema.FieldList, list); err != nil {
			return nil, err
		}
	}
	return fields, nil
}
