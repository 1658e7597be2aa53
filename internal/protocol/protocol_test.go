package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x05, 0xAA, 0xBB}
	framed := AppendFrame(nil, payload)
	require.Equal(t, byte('<'), framed[0])
	require.Equal(t, uint16(3), binary.LittleEndian.Uint16(framed[1:3]))

	// Inbound frames use the other marker.
	inbound := append([]byte{frameMarkerIn, 3, 0}, payload...)
	scanner := NewFrameScanner(bytes.NewReader(inbound))
	got, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameScannerRejectsBadMarker(t *testing.T) {
	scanner := NewFrameScanner(bytes.NewReader([]byte{0x00, 3, 0, 1, 2, 3}))
	_, err := scanner.Next()
	assert.Error(t, err)
}

func TestDecodeSelfInfo(t *testing.T) {
	body := make([]byte, 57)
	body[0] = byte(RespSelfInfo)
	body[1] = 22
	body[2] = 30
	for i := 0; i < 32; i++ {
		body[3+i] = byte(i)
	}
	binary.LittleEndian.PutUint32(body[47:51], 869525000)
	binary.LittleEndian.PutUint32(body[51:55], 250000)
	body[55] = 11
	body[56] = 5
	body = append(body, "TestNode"...)

	ev, err := Decode(body)
	require.NoError(t, err)
	info, ok := ev.(SelfInfo)
	require.True(t, ok)
	assert.Equal(t, "TestNode", info.Name)
	assert.Equal(t, 22, info.TxPower)
	assert.Equal(t, uint32(869525000), info.RadioFreq)
	assert.Equal(t, byte(11), info.RadioSF)
	assert.Len(t, info.PublicKey, 64)
}

func TestDecodeChannelMessage(t *testing.T) {
	sent := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	body := []byte{byte(RespChannelMsgRecv), 2, 0xFF, 0}
	body = binary.LittleEndian.AppendUint32(body, uint32(sent.Unix()))
	body = append(body, "hello mesh"...)

	ev, err := Decode(body)
	require.NoError(t, err)
	msg, ok := ev.(ChannelMessage)
	require.True(t, ok)
	assert.Equal(t, 2, msg.ChannelIdx)
	assert.Equal(t, uint8(PathLenDirect), msg.PathLen)
	assert.Equal(t, "hello mesh", msg.Text)
	assert.True(t, msg.SenderTime.Equal(sent))
}

func TestDecodeContactMessage(t *testing.T) {
	sent := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	body := []byte{byte(RespContactMsgRecv)}
	body = append(body, 0xAB, 0xCD, 0xEF, 0x01, 0x02, 0x03) // key prefix
	body = append(body, 1, 0)                               // one hop, plain text
	body = binary.LittleEndian.AppendUint32(body, uint32(sent.Unix()))
	body = append(body, "hi"...)

	ev, err := Decode(body)
	require.NoError(t, err)
	msg, ok := ev.(ContactMessage)
	require.True(t, ok)
	assert.Equal(t, "abcdef010203", msg.PubKeyPrefix)
	assert.Equal(t, uint8(1), msg.PathLen)
	assert.Equal(t, "hi", msg.Text)
}

func TestDecodeChannelInfoPlaceholder(t *testing.T) {
	body := make([]byte, 34)
	body[0] = byte(RespChannelInfo)
	body[1] = 7 // empty name

	ev, err := Decode(body)
	require.NoError(t, err)
	info := ev.(ChannelInfo)
	assert.Equal(t, 7, info.Index)
	assert.Equal(t, "Channel 7", info.Name)
}

func TestDecodeSendResultAndAck(t *testing.T) {
	body := []byte{byte(RespSent), 0}
	body = binary.LittleEndian.AppendUint32(body, 0xDEADBEEF)
	body = binary.LittleEndian.AppendUint32(body, 3000)
	ev, err := Decode(body)
	require.NoError(t, err)
	sent := ev.(SendResult)
	assert.Equal(t, uint32(0xDEADBEEF), sent.AckCode)
	assert.Equal(t, 3*time.Second, sent.EstTimeout)

	body = []byte{byte(PushSendConfirmed)}
	body = binary.LittleEndian.AppendUint32(body, 0xDEADBEEF)
	body = binary.LittleEndian.AppendUint32(body, 1500)
	ev, err = Decode(body)
	require.NoError(t, err)
	ack := ev.(Ack)
	assert.Equal(t, uint32(0xDEADBEEF), ack.AckCode)
	assert.Equal(t, 1500*time.Millisecond, ack.RoundTrip)
}

func TestDecodeErrResponse(t *testing.T) {
	ev, err := Decode([]byte{byte(RespErr), 0x02})
	require.NoError(t, err)
	errResp, ok := ev.(ErrResponse)
	require.True(t, ok)
	assert.Equal(t, byte(0x02), errResp.Code)
	assert.Contains(t, errResp.Error(), "0x02")
}

func TestDecodeUnknownKeepsPayload(t *testing.T) {
	ev, err := Decode([]byte{0x77, 1, 2, 3})
	require.NoError(t, err)
	unknown := ev.(Unknown)
	assert.Equal(t, Code(0x77), unknown.Code)
	assert.Equal(t, []byte{1, 2, 3}, unknown.Payload)
}

func TestEncodeCommands(t *testing.T) {
	appStart := EncodeAppStart("meshchat")
	assert.Equal(t, byte(CmdAppStart), appStart[0])
	assert.Equal(t, byte(1), appStart[1])
	assert.Equal(t, "meshchat", string(appStart[8:]))

	assert.Equal(t, []byte{byte(CmdDeviceQuery), 1}, EncodeDeviceQuery())
	assert.Equal(t, []byte{byte(CmdGetChannel), 3}, EncodeGetChannel(3))
	assert.Equal(t, []byte{byte(CmdGetContacts)}, EncodeGetContacts(time.Time{}))
	assert.Equal(t, []byte{byte(CmdSyncNextMessage)}, EncodeSyncNextMessage())
	assert.Equal(t, []byte{byte(CmdSendSelfAdvert), 1}, EncodeSendAdvert(true))
	assert.Equal(t, []byte{byte(CmdSendSelfAdvert), 0}, EncodeSendAdvert(false))
}

func TestEncodeSendDirect(t *testing.T) {
	key := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
	sent := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	payload, err := EncodeSendDirect(key, "hello", sent)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdSendTxtMsg), payload[0])
	assert.Equal(t, uint32(sent.Unix()), binary.LittleEndian.Uint32(payload[3:7]))
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, payload[7:13])
	assert.Equal(t, "hello", string(payload[13:]))

	_, err = EncodeSendDirect("abcd", "hello", sent)
	assert.Error(t, err)
}

func TestEncodeSendChannel(t *testing.T) {
	sent := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	payload := EncodeSendChannel(2, "yo", sent)
	assert.Equal(t, byte(CmdSendChannelTxtMsg), payload[0])
	assert.Equal(t, byte(2), payload[2])
	assert.Equal(t, "yo", string(payload[7:]))
}
