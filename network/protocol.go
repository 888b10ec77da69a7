package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"peerdrop/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHello       = "hello"
	TypeOffer       = "offer"
	TypeUnoffer     = "unoffer"
	TypeAccept      = "accept"
	TypeFileStart   = "fileStart"
	TypeFileChunk   = "fileChunk"
	TypeFileContent = "fileContent"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrUnknownMessageType indicates a message tag this peer does not speak.
	ErrUnknownMessageType = errors.New("network: unknown message type")
)

// Message is one session protocol message.
type Message interface {
	MessageType() string
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type" msgpack:"type"`
}

// Hello announces the sender's peer identity once the channel opens.
type Hello struct {
	Type   string `json:"type" msgpack:"type"`
	PeerID string `json:"peerId" msgpack:"peerId"`
}

// Offer adds one entry to the receiving peer's remote catalog.
type Offer struct {
	Type string      `json:"type" msgpack:"type"`
	File models.File `json:"file" msgpack:"file"`
}

// Unoffer withdraws a previously offered file.
type Unoffer struct {
	Type   string `json:"type" msgpack:"type"`
	FileID string `json:"fileId" msgpack:"fileId"`
}

// Accept requests the listed files from the peer's catalog.
type Accept struct {
	Type    string   `json:"type" msgpack:"type"`
	FileIDs []string `json:"fileIds" msgpack:"fileIds"`
}

// FileStart precedes the chunk stream of one file.
type FileStart struct {
	Type        string `json:"type" msgpack:"type"`
	FileID      string `json:"fileId" msgpack:"fileId"`
	Name        string `json:"name" msgpack:"name"`
	Size        int64  `json:"size" msgpack:"size"`
	TotalChunks int    `json:"totalChunks" msgpack:"totalChunks"`
}

// FileChunk carries one indexed fragment of a file.
type FileChunk struct {
	Type       string `json:"type" msgpack:"type"`
	FileID     string `json:"fileId" msgpack:"fileId"`
	ChunkIndex int    `json:"chunkIndex" msgpack:"chunkIndex"`
	Data       []byte `json:"data" msgpack:"data"`
	IsLast     bool   `json:"isLast" msgpack:"isLast"`
}

// FileContent carries a whole file in one message.
type FileContent struct {
	Type   string `json:"type" msgpack:"type"`
	FileID string `json:"fileId" msgpack:"fileId"`
	Name   string `json:"name" msgpack:"name"`
	Data   []byte `json:"data" msgpack:"data"`
}

func (Hello) MessageType() string       { return TypeHello }
func (Offer) MessageType() string       { return TypeOffer }
func (Unoffer) MessageType() string     { return TypeUnoffer }
func (Accept) MessageType() string      { return TypeAccept }
func (FileStart) MessageType() string   { return TypeFileStart }
func (FileChunk) MessageType() string   { return TypeFileChunk }
func (FileContent) MessageType() string { return TypeFileContent }

// EncodeMessage marshals a protocol message with codec.
func EncodeMessage(codec Codec, message Message) ([]byte, error) {
	payload, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", message.MessageType(), err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(codec Codec, payload []byte) (string, error) {
	var envelope Envelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeMessage decodes a payload into its concrete message type.
func DecodeMessage(codec Codec, payload []byte) (Message, error) {
	msgType, err := DecodeMessageType(codec, payload)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch msgType {
	case TypeHello:
		var m Hello
		err = codec.Unmarshal(payload, &m)
		msg = m
	case TypeOffer:
		var m Offer
		err = codec.Unmarshal(payload, &m)
		msg = m
	case TypeUnoffer:
		var m Unoffer
		err = codec.Unmarshal(payload, &m)
		msg = m
	case TypeAccept:
		var m Accept
		err = codec.Unmarshal(payload, &m)
		msg = m
	case TypeFileStart:
		var m FileStart
		err = codec.Unmarshal(payload, &m)
		msg = m
	case TypeFileChunk:
		var m FileChunk
		err = codec.Unmarshal(payload, &m)
		msg = m
	case TypeFileContent:
		var m FileContent
		err = codec.Unmarshal(payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msgType, err)
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
