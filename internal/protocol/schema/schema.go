package schema

import (
	"fmt"

	"github.com/danmuck/spine/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgHello                  uint32 = 1
	MsgProof                  uint32 = 2
	MsgCommand                uint32 = 10
	MsgQuery                  uint32 = 11
	MsgQueryResponse          uint32 = 12
	MsgEvent                  uint32 = 13
	MsgRegisterCommandHandler uint32 = 20
	MsgRegisterQueryHandler   uint32 = 21
	MsgRegisterEventHandler   uint32 = 22
	MsgRegisterProcess        uint32 = 30
	MsgProcessList            uint32 = 31
)

// Field IDs.
const (
	FieldProcessID uint16 = 1
	FieldNonce     uint16 = 2
	FieldMAC       uint16 = 3

	FieldName     uint16 = 100
	FieldQueryID  uint16 = 101
	FieldEventID  uint16 = 102
	FieldArgs     uint16 = 103
	FieldSession  uint16 = 104
	FieldScope    uint16 = 105
	FieldResponse uint16 = 106

	FieldAddress uint16 = 200
	FieldList    uint16 = 201
)

var names = map[uint32]string{
	MsgHello:                  "hello",
	MsgProof:                  "proof",
	MsgCommand:                "command",
	MsgQuery:                  "query",
	MsgQueryResponse:          "queryResponse",
	MsgEvent:                  "event",
	MsgRegisterCommandHandler: "registerCommandHandler",
	MsgRegisterQueryHandler:   "registerQueryHandler",
	MsgRegisterEventHandler:   "registerEventHandler",
	MsgRegisterProcess:        "registerProcess",
	MsgProcessList:            "processList",
}

// Name returns the canonical message type name, or "unknown(<id>)".
func Name(messageType uint32) string {
	if n, ok := names[messageType]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", messageType)
}

// Known reports whether messageType has a registered schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%s: %s", Name(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s field=%d: %s", Name(e.MessageType), e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldProcessID, tlv.TypeString},
		{FieldNonce, tlv.TypeBytes},
	},
	MsgProof: {
		{FieldMAC, tlv.TypeBytes},
	},
	MsgCommand: {
		{FieldName, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgQuery: {
		{FieldQueryID, tlv.TypeString},
		{FieldName, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgQueryResponse: {
		{FieldQueryID, tlv.TypeString},
		{FieldResponse, tlv.TypeBytes},
	},
	MsgEvent: {
		{FieldName, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgRegisterCommandHandler: {
		{FieldName, tlv.TypeString},
	},
	MsgRegisterQueryHandler: {
		{FieldName, tlv.TypeString},
	},
	MsgRegisterEventHandler: {
		{FieldName, tlv.TypeString},
	},
	MsgRegisterProcess: {
		{FieldAddress, tlv.TypeString},
	},
	MsgProcessList: {
		{FieldList, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message_type", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message_type", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
