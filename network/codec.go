package network

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec serializes protocol messages for a channel.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes messages as JSON objects; byte payloads travel as base64.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return CodecJSON }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec encodes messages as MessagePack maps with raw binary payloads.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return CodecMsgpack }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecByName returns the codec registered under name. Empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("network: unknown codec %q", name)
	}
}
