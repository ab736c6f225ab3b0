// Package protocol implements the envelope frame that carries a batch of
// messages through one request/response exchange.
//
// An envelope keeps message metadata (kind, labels, payload size, creation
// time) apart from the payload bytes. The metadata block is serialized with
// one of the codecs from package codec; the payloads are concatenated, in
// message order, into the raw contents section, which may be compressed.
//
// Frame format:
//
//	0      3  4  5  6     8         12        16
//	┌──────┬──┬──┬──┬─────┬─────────┬─────────┬──────────────┬──────────────┐
//	│magic │v │ct│cm│flags│ metaLen │ rawLen  │ metadata ... │ contents ... │
//	│ pxe  │01│  │  │ u16 │ uint32  │ uint32  │ metaLen      │ rawLen       │
//	└──────┴──┴──┴──┴─────┴─────────┴─────────┴──────────────┴──────────────┘
//
// Decoding either produces the complete envelope or an error wrapping
// message.ErrDecode; partial results are never returned. The payload of
// message i is always the slice of the raw contents that follows the payloads
// of messages 0..i-1, and the declared sizes must add up to the length of the
// (decompressed) contents exactly.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"push-rpc/codec"
	"push-rpc/message"
)

// Magic number bytes: "pxe" (push exchange envelope).
// Used to reject bodies that are not envelopes at all, e.g. a browser
// hitting the endpoint.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x78 // 'x'
	MagicByte3  byte = 0x65 // 'e'
	Version     byte = 0x01
	HeaderSize  int  = 16 // 3 (magic) + 1 (version) + 1 (codec) + 1 (compression) + 2 (flags) + 4 (metaLen) + 4 (rawLen)
)

// FlagResponse marks envelopes written by the hub.
const FlagResponse uint16 = 0x0001

// Transport conventions shared by the HTTP handler and client.
const (
	SessionHeader = "X-Push-Session"
	ContentType   = "application/x-push-envelope"
)

// maxDecodedContents caps what a compressed contents section may inflate to,
// independently of the configured Limits.
const maxDecodedContents = 256 << 20

var (
	ErrShortHeader        = errors.New("protocol: short header")
	ErrBadMagic           = errors.New("protocol: invalid magic number")
	ErrTruncated          = errors.New("protocol: truncated frame")
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after frame")
	ErrMetadataTooLarge   = errors.New("protocol: metadata too large")
	ErrContentsTooLarge   = errors.New("protocol: contents too large")
	ErrTooManyMessages    = errors.New("protocol: too many messages")
	ErrLengthMismatch     = errors.New("protocol: payload sizes do not match contents length")
	ErrInconsistentBuffer = errors.New("protocol: raw contents do not match messages")
)

// Limits bounds decode memory use.
type Limits struct {
	MaxMetadataBytes uint32
	MaxContentsBytes uint32
	MaxMessages      int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMetadataBytes: 4 * 1024 * 1024,
		MaxContentsBytes: 32 * 1024 * 1024,
		MaxMessages:      10000,
	}
}

// Header represents the fixed 16-byte frame header.
type Header struct {
	CodecType   codec.CodecType
	Compression Compression
	Flags       uint16
	MetaLen     uint32
	RawLen      uint32 // length of the contents section as stored, i.e. after compression
}

// Envelope is an ordered batch of messages plus their concatenated payloads.
type Envelope struct {
	Messages    []message.Message
	RawContents []byte
	Codec       codec.CodecType
	Compression Compression
	Flags       uint16
}

// NewEnvelope builds an envelope around msgs, concatenating their payloads
// into RawContents. It uses the binary metadata codec and no compression;
// callers adjust Codec and Compression before encoding as needed.
func NewEnvelope(msgs ...message.Message) *Envelope {
	size := 0
	for _, m := range msgs {
		size += m.PayloadSize()
	}
	raw := make([]byte, 0, size)
	for _, m := range msgs {
		raw = append(raw, m.Payload()...)
	}
	return &Envelope{
		Messages:    append([]message.Message(nil), msgs...),
		RawContents: raw,
		Codec:       codec.CodecTypeBinary,
	}
}

// Append adds messages to the envelope, keeping RawContents in step.
func (e *Envelope) Append(msgs ...message.Message) {
	for _, m := range msgs {
		e.Messages = append(e.Messages, m)
		e.RawContents = append(e.RawContents, m.Payload()...)
	}
}

// Len returns the number of messages.
func (e *Envelope) Len() int { return len(e.Messages) }

// Validate checks that RawContents is exactly the concatenation of the
// message payloads in order.
func (e *Envelope) Validate() error {
	offset := 0
	for i, m := range e.Messages {
		n := m.PayloadSize()
		if offset+n > len(e.RawContents) {
			return fmt.Errorf("%w: message %d overruns contents", ErrInconsistentBuffer, i)
		}
		if !bytes.Equal(e.RawContents[offset:offset+n], m.Payload()) {
			return fmt.Errorf("%w: message %d payload differs", ErrInconsistentBuffer, i)
		}
		offset += n
	}
	if offset != len(e.RawContents) {
		return fmt.Errorf("%w: %d unclaimed bytes", ErrInconsistentBuffer, len(e.RawContents)-offset)
	}
	return nil
}

// Encode writes a complete frame (header + metadata + contents) to w.
// The caller must serialize concurrent writes to a shared writer.
func Encode(w io.Writer, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if !env.Codec.Valid() {
		return fmt.Errorf("unsupported codec type: %d", env.Codec)
	}

	metas := make([]message.Meta, len(env.Messages))
	for i, m := range env.Messages {
		metas[i] = m.Meta()
	}
	meta, err := codec.GetCodec(env.Codec).Encode(metas)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	contents, err := compress(env.RawContents, env.Compression)
	if err != nil {
		return err
	}

	buf := make([]byte, HeaderSize)
	// Magic number: 3 bytes, protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(env.Codec)
	buf[5] = byte(env.Compression)
	binary.BigEndian.PutUint16(buf[6:8], env.Flags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(meta)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(contents)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}
	if len(contents) > 0 {
		if _, err := w.Write(contents); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes env into a byte slice.
func Marshal(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHeader parses and validates the fixed header.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, decodeErr(ErrShortHeader)
	}
	if b[0] != MagicNumber || b[1] != MagicByte2 || b[2] != MagicByte3 {
		return nil, decodeErr(fmt.Errorf("%w: %x", ErrBadMagic, b[0:3]))
	}
	if b[3] != Version {
		return nil, decodeErr(fmt.Errorf("unsupported version: %d", b[3]))
	}
	ct := codec.CodecType(b[4])
	if !ct.Valid() {
		return nil, decodeErr(fmt.Errorf("unsupported codec type: %d", b[4]))
	}
	comp := Compression(b[5])
	if !comp.Valid() {
		return nil, decodeErr(fmt.Errorf("unsupported compression: %d", b[5]))
	}
	return &Header{
		CodecType:   ct,
		Compression: comp,
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		MetaLen:     binary.BigEndian.Uint32(b[8:12]),
		RawLen:      binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Decode reads one complete frame from r. Uses io.ReadFull so a short body is
// reported as truncation instead of a partially filled envelope.
func Decode(r io.Reader, limits Limits) (*Envelope, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, decodeErr(ErrShortHeader)
		}
		return nil, err
	}
	h, err := DecodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	if h.MetaLen > limits.MaxMetadataBytes {
		return nil, decodeErr(ErrMetadataTooLarge)
	}
	if h.RawLen > limits.MaxContentsBytes {
		return nil, decodeErr(ErrContentsTooLarge)
	}

	meta := make([]byte, h.MetaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, decodeErr(fmt.Errorf("%w: metadata: %v", ErrTruncated, err))
	}
	contents := make([]byte, h.RawLen)
	if h.RawLen > 0 {
		if _, err := io.ReadFull(r, contents); err != nil {
			return nil, decodeErr(fmt.Errorf("%w: contents: %v", ErrTruncated, err))
		}
	}

	var metas []message.Meta
	if err := codec.GetCodec(h.CodecType).Decode(meta, &metas); err != nil {
		return nil, decodeErr(fmt.Errorf("metadata: %v", err))
	}
	if limits.MaxMessages > 0 && len(metas) > limits.MaxMessages {
		return nil, decodeErr(ErrTooManyMessages)
	}

	var total uint64
	for _, m := range metas {
		total += uint64(m.Size)
	}
	if total > uint64(limits.MaxContentsBytes) || total > maxDecodedContents {
		return nil, decodeErr(ErrContentsTooLarge)
	}
	if h.Compression == CompressionNone && total != uint64(len(contents)) {
		return nil, decodeErr(fmt.Errorf("%w: declared %d, contents %d", ErrLengthMismatch, total, len(contents)))
	}
	raw, err := decompress(contents, h.Compression, int(total))
	if err != nil {
		return nil, decodeErr(fmt.Errorf("%w: %v", ErrLengthMismatch, err))
	}

	env := &Envelope{
		Messages:    make([]message.Message, 0, len(metas)),
		RawContents: raw,
		Codec:       h.CodecType,
		Compression: h.Compression,
		Flags:       h.Flags,
	}
	offset := 0
	for i, m := range metas {
		end := offset + int(m.Size)
		msg, err := message.FromMeta(m, raw[offset:end])
		if err != nil {
			return nil, decodeErr(fmt.Errorf("message %d: %v", i, err))
		}
		env.Messages = append(env.Messages, msg)
		offset = end
	}
	return env, nil
}

// Unmarshal decodes a frame that must occupy data exactly.
func Unmarshal(data []byte, limits Limits) (*Envelope, error) {
	r := bytes.NewReader(data)
	env, err := Decode(r, limits)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, decodeErr(ErrTrailingBytes)
	}
	return env, nil
}

func decodeErr(err error) error {
	return fmt.Errorf("%w: %w", message.ErrDecode, err)
}
