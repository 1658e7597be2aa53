package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Event is one decoded companion frame. The concrete types below form a
// closed set; consumers type-switch instead of inspecting raw payloads.
type Event interface {
	EventCode() Code
}

// SelfInfo reports the device's own identity and radio parameters.
type SelfInfo struct {
	PublicKey  string // hex-encoded 32-byte key
	Name       string
	TxPower    int
	MaxTxPower int
	RadioFreq  uint32
	RadioBw    uint32
	RadioSF    byte
	RadioCR    byte
}

// DeviceInfo answers a device capability query.
type DeviceInfo struct {
	FirmwareVersion string
	FirmwareBuild   string
	Model           string
	MaxContacts     int
	MaxChannels     int
}

// ChannelInfo describes one on-device channel slot.
type ChannelInfo struct {
	Index  int
	Name   string
	Secret []byte
}

// ContactInfo describes one mesh peer known to the device.
type ContactInfo struct {
	PublicKey string // hex-encoded 32-byte key
	Name      string
	LastMod   time.Time
}

// ContactsStart opens a contact snapshot stream.
type ContactsStart struct {
	Count int
}

// EndOfContacts closes a contact snapshot stream.
type EndOfContacts struct{}

// ContactMessage is an inbound direct message. Only a 6-byte public-key
// prefix of the sender fits in the packet.
type ContactMessage struct {
	PubKeyPrefix string // hex-encoded 6-byte prefix
	PathLen      uint8
	TxtType      byte
	SenderTime   time.Time
	Text         string
}

// ChannelMessage is an inbound broadcast message on a channel slot.
type ChannelMessage struct {
	ChannelIdx   int
	PubKeyPrefix string
	PathLen      uint8
	TxtType      byte
	SenderTime   time.Time
	Text         string
}

// SendResult answers a send command with the ack code the mesh will
// echo back once the message is delivered.
type SendResult struct {
	Result     int8
	AckCode    uint32
	EstTimeout time.Duration
}

// Ack confirms delivery of a previously sent message.
type Ack struct {
	AckCode   uint32
	RoundTrip time.Duration
}

// MsgWaiting signals that the device has buffered messages to drain.
type MsgWaiting struct{}

// NoMoreMessages signals an empty device message buffer.
type NoMoreMessages struct{}

// OK is a bare success response.
type OK struct{}

// ErrResponse is an error-typed response to a command.
type ErrResponse struct {
	Code byte
}

// Unknown wraps a frame this layer does not understand. It is kept so
// the router can log it instead of dropping it silently.
type Unknown struct {
	Code    Code
	Payload []byte
}

func (SelfInfo) EventCode() Code       { return RespSelfInfo }
func (DeviceInfo) EventCode() Code     { return RespDeviceInfo }
func (ChannelInfo) EventCode() Code    { return RespChannelInfo }
func (ContactInfo) EventCode() Code    { return RespContact }
func (ContactsStart) EventCode() Code  { return RespContactsStart }
func (EndOfContacts) EventCode() Code  { return RespEndOfContacts }
func (ContactMessage) EventCode() Code { return RespContactMsgRecv }
func (ChannelMessage) EventCode() Code { return RespChannelMsgRecv }
func (SendResult) EventCode() Code     { return RespSent }
func (Ack) EventCode() Code            { return PushSendConfirmed }
func (MsgWaiting) EventCode() Code     { return PushMsgWaiting }
func (NoMoreMessages) EventCode() Code { return RespNoMoreMessages }
func (OK) EventCode() Code             { return RespOK }
func (ErrResponse) EventCode() Code    { return RespErr }
func (u Unknown) EventCode() Code      { return u.Code }

func (e ErrResponse) Error() string {
	return fmt.Sprintf("protocol: device error 0x%02x", e.Code)
}

// meshContact mirrors the device's packed contact record.
type meshContact struct {
	PublicKey  [32]byte
	Type       byte
	Flags      byte
	OutPathLen int8
	OutPath    [64]byte
	AdvName    [32]byte
	LastAdvert uint32
	AdvLat     uint32
	AdvLon     uint32
	LastMod    uint32
}

// Decode turns a raw inbound frame payload into a typed Event.
func Decode(payload []byte) (Event, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("protocol: empty frame")
	}
	code := Code(payload[0])
	body := payload[1:]

	switch code {
	case RespOK:
		return OK{}, nil

	case RespErr:
		var errCode byte
		if len(body) > 0 {
			errCode = body[0]
		}
		return ErrResponse{Code: errCode}, nil

	case RespContactsStart:
		if len(body) < 4 {
			return nil, fmt.Errorf("protocol: ContactsStart too short: %d bytes", len(body))
		}
		return ContactsStart{Count: int(binary.LittleEndian.Uint32(body[:4]))}, nil

	case RespContact:
		var mc meshContact
		if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &mc); err != nil {
			return nil, fmt.Errorf("protocol: parse contact: %w", err)
		}
		key := hex.EncodeToString(mc.PublicKey[:])
		name := cString(mc.AdvName[:])
		if name == "" {
			name = key[:8]
		}
		return ContactInfo{
			PublicKey: key,
			Name:      name,
			LastMod:   time.Unix(int64(mc.LastMod), 0).UTC(),
		}, nil

	case RespEndOfContacts:
		return EndOfContacts{}, nil

	case RespSelfInfo:
		return decodeSelfInfo(body)

	case RespSent:
		if len(body) < 9 {
			return nil, fmt.Errorf("protocol: Sent too short: %d bytes", len(body))
		}
		return SendResult{
			Result:     int8(body[0]),
			AckCode:    binary.LittleEndian.Uint32(body[1:5]),
			EstTimeout: time.Duration(binary.LittleEndian.Uint32(body[5:9])) * time.Millisecond,
		}, nil

	case RespContactMsgRecv:
		if len(body) < 12 {
			return nil, fmt.Errorf("protocol: ContactMsgRecv too short: %d bytes", len(body))
		}
		return ContactMessage{
			PubKeyPrefix: hex.EncodeToString(body[:6]),
			PathLen:      body[6],
			TxtType:      body[7],
			SenderTime:   time.Unix(int64(binary.LittleEndian.Uint32(body[8:12])), 0).UTC(),
			Text:         string(body[12:]),
		}, nil

	case RespChannelMsgRecv:
		if len(body) < 7 {
			return nil, fmt.Errorf("protocol: ChannelMsgRecv too short: %d bytes", len(body))
		}
		return ChannelMessage{
			ChannelIdx: int(int8(body[0])),
			PathLen:    body[1],
			TxtType:    body[2],
			SenderTime: time.Unix(int64(binary.LittleEndian.Uint32(body[3:7])), 0).UTC(),
			Text:       string(body[7:]),
		}, nil

	case RespNoMoreMessages:
		return NoMoreMessages{}, nil

	case RespDeviceInfo:
		return decodeDeviceInfo(body)

	case RespChannelInfo:
		if len(body) < 33 {
			return nil, fmt.Errorf("protocol: ChannelInfo too short: %d bytes", len(body))
		}
		info := ChannelInfo{
			Index: int(body[0]),
			Name:  cString(body[1:33]),
		}
		if info.Name == "" {
			info.Name = fmt.Sprintf("Channel %d", info.Index)
		}
		if len(body) >= 49 {
			info.Secret = append([]byte(nil), body[33:49]...)
		}
		return info, nil

	case PushSendConfirmed:
		if len(body) < 8 {
			return nil, fmt.Errorf("protocol: SendConfirmed too short: %d bytes", len(body))
		}
		return Ack{
			AckCode:   binary.LittleEndian.Uint32(body[:4]),
			RoundTrip: time.Duration(binary.LittleEndian.Uint32(body[4:8])) * time.Millisecond,
		}, nil

	case PushMsgWaiting:
		return MsgWaiting{}, nil

	default:
		return Unknown{Code: code, Payload: append([]byte(nil), body...)}, nil
	}
}

// decodeSelfInfo parses a SELF_INFO body (frame code already stripped):
// txPower, maxTxPower, 32-byte public key, adv lat/lon, reserved bytes,
// radio parameters, then a null-terminated node name.
func decodeSelfInfo(body []byte) (Event, error) {
	if len(body) < 34 {
		return nil, fmt.Errorf("protocol: SelfInfo too short: %d bytes", len(body))
	}
	info := SelfInfo{
		TxPower:    int(body[0]),
		MaxTxPower: int(body[1]),
		PublicKey:  hex.EncodeToString(body[2:34]),
	}
	if len(body) >= 54 {
		info.RadioFreq = binary.LittleEndian.Uint32(body[46:50])
		info.RadioBw = binary.LittleEndian.Uint32(body[50:54])
	}
	if len(body) >= 56 {
		info.RadioSF = body[54]
		info.RadioCR = body[55]
	}
	if len(body) > 56 {
		info.Name = cString(body[56:])
	}
	if info.Name == "" {
		info.Name = info.PublicKey[:8]
	}
	return info, nil
}

// decodeDeviceInfo parses a DEVICE_INFO body. Older firmware only sends
// the version byte; newer firmware appends limits, build and model.
func decodeDeviceInfo(body []byte) (Event, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("protocol: DeviceInfo too short")
	}
	info := DeviceInfo{FirmwareVersion: fmt.Sprintf("fw-%d", body[0])}
	if body[0] < 3 {
		return info, nil
	}
	if len(body) >= 2 {
		info.MaxContacts = int(body[1]) * 2
	}
	if len(body) >= 3 {
		info.MaxChannels = int(body[2])
	}
	if len(body) < 79 {
		return info, nil
	}
	// Skip reserved bytes: 1 + 4 after the limits.
	idx := 3 + 1 + 4
	info.FirmwareBuild = cString(body[idx : idx+12])
	idx += 12
	info.Model = cString(body[idx : idx+40])
	idx += 40
	if v := cString(body[idx:]); v != "" {
		info.FirmwareVersion = v
	}
	return info, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
