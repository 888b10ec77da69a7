package network

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/models"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"hello","peerId":"a"}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageKeepsBinaryChunkPayload(t *testing.T) {
	data := []byte{0x00, 0xff, 0x10, 0x80, 0x7f}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			payload, err := EncodeMessage(codec, FileChunk{
				Type:       TypeFileChunk,
				FileID:     "f1",
				ChunkIndex: 2,
				Data:       data,
				IsLast:     true,
			})
			require.NoError(t, err)

			msg, err := DecodeMessage(codec, payload)
			require.NoError(t, err)
			chunk, ok := msg.(FileChunk)
			require.True(t, ok, "decoded %T", msg)
			assert.Equal(t, "f1", chunk.FileID)
			assert.Equal(t, 2, chunk.ChunkIndex)
			assert.Equal(t, data, chunk.Data)
			assert.True(t, chunk.IsLast)
		})
	}
}

func TestDecodeMessageNestedOfferFile(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			payload, err := EncodeMessage(codec, Offer{
				Type: TypeOffer,
				File: models.File{ID: "id-1", Name: "a.txt", Size: 42},
			})
			require.NoError(t, err)

			msg, err := DecodeMessage(codec, payload)
			require.NoError(t, err)
			assert.Equal(t, Offer{Type: TypeOffer, File: models.File{ID: "id-1", Name: "a.txt", Size: 42}}, msg)
		})
	}
}

func TestJSONWireFieldNames(t *testing.T) {
	payload, err := EncodeMessage(JSONCodec{}, FileStart{
		Type:        TypeFileStart,
		FileID:      "f",
		Name:        "n.bin",
		Size:        10,
		TotalChunks: 1,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"fileStart","fileId":"f","name":"n.bin","size":10,"totalChunks":1}`, string(payload))

	payload, err = EncodeMessage(JSONCodec{}, Accept{Type: TypeAccept, FileIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"accept","fileIds":["a","b"]}`, string(payload))
}

func TestDecodeMessageRejectsUnknownAndMissingType(t *testing.T) {
	_, err := DecodeMessage(JSONCodec{}, []byte(`{"type":"ping"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessageType), "got %v", err)

	_, err = DecodeMessage(JSONCodec{}, []byte(`{"peerId":"x"}`))
	assert.True(t, errors.Is(err, ErrInvalidMessageType), "got %v", err)
}

func TestCodecByName(t *testing.T) {
	codec, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, codec.Name())

	codec, err = CodecByName("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, CodecMsgpack, codec.Name())

	_, err = CodecByName("bencode")
	assert.Error(t, err)
}
