package migration_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/bobuhiro11/gokvm-migration/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

// mustNext calls recv.Next and fails the test on error.
func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	require.NoError(t, err)

	return msgType, payload
}

func TestStreamHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, migration.NewSender(&buf).SendHeader())
	assert.Equal(t, []byte{'G', 'K', 'V', 'M', 0, 0, 0, 1}, buf.Bytes())

	version, err := migration.NewReceiver(&buf).ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, migration.ProtocolVersion, version)
}

func TestStreamHeaderBadMagic(t *testing.T) {
	t.Parallel()

	_, err := migration.NewReceiver(bytes.NewReader([]byte("QEVM\x00\x00\x00\x01"))).ReadHeader()
	requireKind(t, err, migration.Corrupt)
}

func TestSendReceiveReady(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReady(); err != nil {
			t.Errorf("SendReady: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)
	assert.Equal(t, migration.MsgReady, msgType)
	assert.Empty(t, payload)
}

func TestSendReceiveDevice(t *testing.T) {
	t.Parallel()

	desc := fakeDesc("serial0", 2)
	desc.CompatVersion = 1
	state := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	sender, recv := pipe()

	go func() {
		if err := sender.SendDevice(desc, state); err != nil {
			t.Errorf("SendDevice: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)
	require.Equal(t, migration.MsgDevice, msgType)

	got, gotState, err := migration.DecodeDevice(payload)
	require.NoError(t, err)
	assert.Equal(t, desc, got)
	assert.Equal(t, state, gotState)
}

func TestDecodeDeviceTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, migration.NewSender(&buf).SendDevice(fakeDesc("serial0", 1), make([]byte, 9)))

	_, payload, err := migration.NewReceiver(&buf).Next()
	require.NoError(t, err)

	for _, n := range []int{0, 3, 10, len(payload) - 1} {
		_, _, err := migration.DecodeDevice(payload[:n])
		requireKind(t, err, migration.Corrupt)
	}

	_, _, err = migration.DecodeDevice(append(payload, 0))
	requireKind(t, err, migration.Corrupt)
}

func TestSendReceiveMemBlock(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xab}, 4096)
	sender, recv := pipe()

	go func() {
		if err := sender.SendMemBlock(migration.MemBlock{Base: 0x1000, Length: 4096}, data); err != nil {
			t.Errorf("SendMemBlock: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)
	require.Equal(t, migration.MsgMemBlock, msgType)

	base, got, err := migration.DecodeMemBlock(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), base)
	assert.Equal(t, data, got)
}

func TestDecodeMemBlockLengthMismatch(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 16+8)
	binary.BigEndian.PutUint64(payload[0:8], 0x1000)
	binary.BigEndian.PutUint64(payload[8:16], 16)

	_, _, err := migration.DecodeMemBlock(payload)
	requireKind(t, err, migration.Corrupt)
}

func TestSendReceiveEnd(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendEnd(3, 17); err != nil {
			t.Errorf("SendEnd: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)
	require.Equal(t, migration.MsgEnd, msgType)

	devices, blocks, err := migration.DecodeEnd(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), devices)
	assert.Equal(t, uint64(17), blocks)
}

func TestSendReceiveError(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendError(migration.VersionIncompatible, "serial0: incoming version is newer"); err != nil {
			t.Errorf("SendError: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)
	require.Equal(t, migration.MsgError, msgType)

	err := migration.DecodeError(payload)
	requireKind(t, err, migration.VersionIncompatible)
	assert.Contains(t, err.Error(), "incoming version is newer")
}

func TestNextRejectsHugeFrame(t *testing.T) {
	t.Parallel()

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(migration.MsgMemBlock))
	binary.BigEndian.PutUint64(hdr[4:12], 1<<40)

	_, _, err := migration.NewReceiver(bytes.NewReader(hdr)).Next()
	requireKind(t, err, migration.Corrupt)
}

func TestNextShortPayload(t *testing.T) {
	t.Parallel()

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(migration.MsgEnd))
	binary.BigEndian.PutUint64(hdr[4:12], 12)

	_, _, err := migration.NewReceiver(bytes.NewReader(append(hdr, 1, 2, 3))).Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSenderWrittenCountsFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s := migration.NewSender(&buf)
	require.NoError(t, s.SendHeader())
	require.NoError(t, s.SendEnd(0, 0))

	assert.Equal(t, uint64(8+12+12), s.Written())
	assert.Equal(t, uint64(buf.Len()), s.Written())
}
