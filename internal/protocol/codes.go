// Package protocol implements the MeshCore companion wire protocol:
// command payload encoders, response/push decoding into a closed set of
// typed events, and the stream framing used by the TCP and serial links.
package protocol

// Code is the first byte of every companion frame. Commands share the
// space below 0x80; unsolicited pushes start at 0x80.
type Code byte

// Command codes (host → device).
const (
	CmdAppStart          Code = 0x01
	CmdSendTxtMsg        Code = 0x02
	CmdSendChannelTxtMsg Code = 0x03
	CmdGetContacts       Code = 0x04
	CmdSendSelfAdvert    Code = 0x07
	CmdSyncNextMessage   Code = 0x0A
	CmdDeviceQuery       Code = 0x16
	CmdGetChannel        Code = 0x1F
)

// Response codes (device → host, answering a command).
const (
	RespOK             Code = 0x00
	RespErr            Code = 0x01
	RespContactsStart  Code = 0x02
	RespContact        Code = 0x03
	RespEndOfContacts  Code = 0x04
	RespSelfInfo       Code = 0x05
	RespSent           Code = 0x06
	RespContactMsgRecv Code = 0x07
	RespChannelMsgRecv Code = 0x08
	RespNoMoreMessages Code = 0x0A
	RespDeviceInfo     Code = 0x0D
	RespChannelInfo    Code = 0x12
)

// Push codes (device → host, unsolicited).
const (
	PushAdvert        Code = 0x80
	PushPathUpdated   Code = 0x81
	PushSendConfirmed Code = 0x82
	PushMsgWaiting    Code = 0x83
)

// PathLenDirect marks a message that arrived without any repeater hop.
const PathLenDirect = 0xFF
