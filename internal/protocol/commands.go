package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// appVersion is sent in the session-open handshake.
const appVersion = 1

// EncodeAppStart builds the session-open command. The device answers
// with a SelfInfo frame.
func EncodeAppStart(appName string) []byte {
	payload := make([]byte, 0, 8+len(appName))
	payload = append(payload, byte(CmdAppStart), appVersion)
	payload = append(payload, 0, 0, 0, 0, 0, 0)
	return append(payload, appName...)
}

// EncodeDeviceQuery builds the capability query. The device answers
// with a DeviceInfo frame.
func EncodeDeviceQuery() []byte {
	return []byte{byte(CmdDeviceQuery), appVersion}
}

// EncodeGetChannel requests the channel record at idx.
func EncodeGetChannel(idx int) []byte {
	return []byte{byte(CmdGetChannel), byte(idx)}
}

// EncodeGetContacts requests the contact list, restricted to entries
// modified after since when since is non-zero. The device streams
// ContactsStart, ContactInfo frames, then EndOfContacts.
func EncodeGetContacts(since time.Time) []byte {
	payload := []byte{byte(CmdGetContacts)}
	if !since.IsZero() {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(since.Unix()))
	}
	return payload
}

// EncodeSyncNextMessage pulls one buffered message off the device. The
// device answers with a ContactMessage, ChannelMessage or NoMoreMessages.
func EncodeSyncNextMessage() []byte {
	return []byte{byte(CmdSyncNextMessage)}
}

// EncodeSendAdvert broadcasts our identity to the mesh. flood asks
// repeaters to propagate the advert beyond direct range.
func EncodeSendAdvert(flood bool) []byte {
	mode := byte(0)
	if flood {
		mode = 1
	}
	return []byte{byte(CmdSendSelfAdvert), mode}
}

// EncodeSendDirect builds a direct text message to the contact whose
// public key starts with the given hex prefix. At least six key bytes
// must be supplied; the device resolves the rest.
func EncodeSendDirect(pubKeyHex, text string, sentAt time.Time) ([]byte, error) {
	key, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("protocol: bad public key %q: %w", pubKeyHex, err)
	}
	if len(key) < 6 {
		return nil, fmt.Errorf("protocol: public key too short: %d bytes", len(key))
	}
	payload := make([]byte, 0, 14+len(text))
	payload = append(payload, byte(CmdSendTxtMsg), 0, 0)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(sentAt.Unix()))
	payload = append(payload, key[:6]...)
	return append(payload, text...), nil
}

// EncodeSendChannel builds a broadcast text message on a channel slot.
func EncodeSendChannel(channelIdx int, text string, sentAt time.Time) []byte {
	payload := make([]byte, 0, 8+len(text))
	payload = append(payload, byte(CmdSendChannelTxtMsg), 0, byte(channelIdx))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(sentAt.Unix()))
	return append(payload, text...)
}
