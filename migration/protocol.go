// This file implements the framed binary protocol shared by snapshots and
// live migration.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// A stream opens with an unframed 8-byte header, [4-byte magic][4-byte
// big-endian protocol version], followed by the MsgDevice records in
// registry order, the MsgMemBlock records in ascending guest address order
// and one MsgEnd. On a live migration the destination then answers with
// MsgReady or MsgError.
package migration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgDevice   MsgType = 1 // descriptor + device state record
	MsgMemBlock MsgType = 2 // guest address, length, data
	MsgEnd      MsgType = 3 // device and block counts
	MsgReady    MsgType = 4 // destination applied the stream
	MsgError    MsgType = 5 // destination rejected the stream
)

func (t MsgType) String() string {
	switch t {
	case MsgDevice:
		return "device"
	case MsgMemBlock:
		return "memblock"
	case MsgEnd:
		return "end"
	case MsgReady:
		return "ready"
	case MsgError:
		return "error"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

const (
	// Magic opens every stream.
	Magic = "GKVM"
	// ProtocolVersion is the version of this stream layout.
	ProtocolVersion uint32 = 1

	streamHeaderSize = 8
	frameHeaderSize  = 12
	memBlockHdrSize  = 16
	maxRecordSize    = 16 << 20
	maxFrameSize     = 256 << 20
)

var wireOrder = binary.BigEndian //nolint:gochecknoglobals

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w       io.Writer
	written uint64
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Written is the number of bytes sent so far, framing included.
func (s *Sender) Written() uint64 { return s.written }

func (s *Sender) write(b []byte) error {
	n, err := s.w.Write(b)
	s.written += uint64(n)

	return err
}

func frameHeader(t MsgType, length int) []byte {
	hdr := make([]byte, frameHeaderSize)
	wireOrder.PutUint32(hdr[0:4], uint32(t))
	wireOrder.PutUint64(hdr[4:12], uint64(length))

	return hdr
}

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	if err := s.write(frameHeader(t, len(payload))); err != nil {
		return fmt.Errorf("send %s header: %w", t, err)
	}

	if len(payload) > 0 {
		if err := s.write(payload); err != nil {
			return fmt.Errorf("send %s payload: %w", t, err)
		}
	}

	return nil
}

// SendHeader opens the stream.
func (s *Sender) SendHeader() error {
	hdr := make([]byte, streamHeaderSize)
	copy(hdr[0:4], Magic)
	wireOrder.PutUint32(hdr[4:8], ProtocolVersion)

	if err := s.write(hdr); err != nil {
		return fmt.Errorf("send stream header: %w", err)
	}

	return nil
}

// SendDevice sends a descriptor followed by the captured record.
func (s *Sender) SendDevice(desc *DeviceStateDesc, state []byte) error {
	var buf bytes.Buffer

	putString(&buf, desc.ID)
	putUint32(&buf, desc.Version)
	putUint32(&buf, desc.compatVersion())
	putUint32(&buf, uint32(len(desc.Fields)))

	for _, f := range desc.Fields {
		putString(&buf, f.Name)
		putUint32(&buf, f.Offset)
		putUint32(&buf, f.Width)
	}

	putUint32(&buf, uint32(len(state)))
	buf.Write(state)

	return s.send(MsgDevice, buf.Bytes())
}

// SendMemBlock sends one block. data must be b.Length bytes.
func (s *Sender) SendMemBlock(b MemBlock, data []byte) error {
	hdr := frameHeader(MsgMemBlock, memBlockHdrSize+len(data))
	hdr = wireOrder.AppendUint64(hdr, b.Base)
	hdr = wireOrder.AppendUint64(hdr, uint64(len(data)))

	if err := s.write(hdr); err != nil {
		return fmt.Errorf("send memblock %#x header: %w", b.Base, err)
	}

	if err := s.write(data); err != nil {
		return fmt.Errorf("send memblock %#x data: %w", b.Base, err)
	}

	return nil
}

// SendEnd closes the stream with the number of records sent.
func (s *Sender) SendEnd(devices uint32, blocks uint64) error {
	payload := make([]byte, 12)
	wireOrder.PutUint32(payload[0:4], devices)
	wireOrder.PutUint64(payload[4:12], blocks)

	return s.send(MsgEnd, payload)
}

// SendReady tells the source the stream was applied.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// SendError tells the source the stream was rejected.
func (s *Sender) SendError(kind ErrorKind, desc string) error {
	var buf bytes.Buffer

	putUint32(&buf, uint32(kind))
	buf.WriteString(desc)

	return s.send(MsgError, buf.Bytes())
}

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r    io.Reader
	read uint64
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Read is the number of bytes received so far, framing included.
func (r *Receiver) Read() uint64 { return r.read }

// ReadHeader reads the stream header, checks the magic and returns the
// protocol version.
func (r *Receiver) ReadHeader() (uint32, error) {
	hdr := make([]byte, streamHeaderSize)

	n, err := io.ReadFull(r.r, hdr)
	r.read += uint64(n)

	if err != nil {
		return 0, fmt.Errorf("read stream header: %w", err)
	}

	return DecodeHeader(hdr)
}

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, frameHeaderSize)

	n, err := io.ReadFull(r.r, hdr)
	r.read += uint64(n)

	if err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(wireOrder.Uint32(hdr[0:4]))
	length := wireOrder.Uint64(hdr[4:12])

	if length > maxFrameSize {
		return 0, nil, &Error{
			Kind: Corrupt,
			Op:   "read frame",
			Err:  fmt.Errorf("%w: %s frame of %d bytes", errRecordTooLarge, t, length),
		}
	}

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)

	n, err = io.ReadFull(r.r, payload)
	r.read += uint64(n)

	if err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%s len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeHeader checks the magic and returns the protocol version.
func DecodeHeader(payload []byte) (uint32, error) {
	if len(payload) != streamHeaderSize || string(payload[0:4]) != Magic {
		return 0, &Error{Kind: Corrupt, Op: "decode header", Err: errBadMagic}
	}

	return wireOrder.Uint32(payload[4:8]), nil
}

// DecodeDevice splits a MsgDevice payload into descriptor and record.
func DecodeDevice(payload []byte) (*DeviceStateDesc, []byte, error) {
	d := decoder{b: payload}
	desc := &DeviceStateDesc{}

	desc.ID = d.string()
	desc.Version = d.uint32()
	desc.CompatVersion = d.uint32()

	count := d.uint32()
	if d.err == nil && uint64(count)*12 > uint64(len(d.b)) {
		d.err = io.ErrUnexpectedEOF
	}

	if d.err == nil {
		desc.Fields = make([]FieldDesc, 0, count)
	}

	for i := uint32(0); i < count && d.err == nil; i++ {
		f := FieldDesc{Name: d.string()}
		f.Offset = d.uint32()
		f.Width = d.uint32()
		desc.Fields = append(desc.Fields, f)
	}

	state := d.bytes(int(d.uint32()))

	if d.err == nil && len(d.b) != 0 {
		d.err = fmt.Errorf("%d trailing bytes", len(d.b))
	}

	if d.err != nil {
		return nil, nil, &Error{Kind: Corrupt, Op: "decode device record", Err: d.err}
	}

	return desc, state, nil
}

// DecodeMemBlock returns the guest address and data of a MsgMemBlock.
func DecodeMemBlock(payload []byte) (uint64, []byte, error) {
	if len(payload) < memBlockHdrSize {
		return 0, nil, &Error{Kind: Corrupt, Op: "decode memblock", Err: io.ErrUnexpectedEOF}
	}

	base := wireOrder.Uint64(payload[0:8])
	length := wireOrder.Uint64(payload[8:16])

	if length != uint64(len(payload)-memBlockHdrSize) {
		return 0, nil, &Error{
			Kind: Corrupt,
			Op:   "decode memblock",
			Err:  fmt.Errorf("block %#x announces %d bytes, carries %d", base, length, len(payload)-memBlockHdrSize),
		}
	}

	return base, payload[memBlockHdrSize:], nil
}

// DecodeEnd returns the counts carried by MsgEnd.
func DecodeEnd(payload []byte) (uint32, uint64, error) {
	if len(payload) != 12 {
		return 0, 0, &Error{Kind: Corrupt, Op: "decode end", Err: io.ErrUnexpectedEOF}
	}

	return wireOrder.Uint32(payload[0:4]), wireOrder.Uint64(payload[4:12]), nil
}

// DecodeError turns a MsgError payload back into a classified error.
func DecodeError(payload []byte) error {
	if len(payload) < 4 {
		return &Error{Kind: Corrupt, Op: "decode peer error", Err: io.ErrUnexpectedEOF}
	}

	return &Error{
		Kind: ErrorKind(wireOrder.Uint32(payload[0:4])),
		Op:   "peer",
		Err:  errors.New(string(payload[4:])),
	}
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte

	wireOrder.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// decoder reads big-endian fields; the first short read sticks.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n < 0 || n > len(d.b) {
		d.err = io.ErrUnexpectedEOF

		return nil
	}

	out := d.b[:n]
	d.b = d.b[n:]

	return out
}

func (d *decoder) uint32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}

	return wireOrder.Uint32(b)
}

func (d *decoder) string() string {
	return string(d.bytes(int(d.uint32())))
}
