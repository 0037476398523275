package lorawan

import (
	"fmt"
)

// MACCommand represents a MAC command
type MACCommand struct {
	CID     byte
	Payload []byte
}

// MAC command identifiers
const (
	LinkCheckReq     byte = 0x02
	LinkCheckAns     byte = 0x02
	LinkADRReq       byte = 0x03
	LinkADRAns       byte = 0x03
	DutyCycleReq     byte = 0x04
	DutyCycleAns     byte = 0x04
	RXParamSetupReq  byte = 0x05
	RXParamSetupAns  byte = 0x05
	DevStatusReq     byte = 0x06
	DevStatusAns     byte = 0x06
	NewChannelReq    byte = 0x07
	NewChannelAns    byte = 0x07
	RXTimingSetupReq byte = 0x08
	RXTimingSetupAns byte = 0x08
	TxParamSetupReq  byte = 0x09
	TxParamSetupAns  byte = 0x09
	DlChannelReq     byte = 0x0A
	DlChannelAns     byte = 0x0A
	DeviceTimeReq    byte = 0x0D
	DeviceTimeAns    byte = 0x0D
)

// ParseMACCommands parses MAC commands from bytes
func ParseMACCommands(uplink bool, data []byte) ([]MACCommand, error) {
	var commands []MACCommand

	for i := 0; i < len(data); {
		cmd := MACCommand{
			CID: data[i],
		}
		i++

		payloadLen := getMACCommandPayloadLength(uplink, cmd.CID)
		if payloadLen < 0 {
			return nil, fmt.Errorf("unknown MAC command: %02x", cmd.CID)
		}

		if i+payloadLen > len(data) {
			return nil, fmt.Errorf("insufficient data for MAC command %02x", cmd.CID)
		}

		cmd.Payload = data[i : i+payloadLen]
		i += payloadLen

		commands = append(commands, cmd)
	}

	return commands, nil
}

// getMACCommandPayloadLength returns the payload length for a MAC command
func getMACCommandPayloadLength(uplink bool, cid byte) int {
	if uplink {
		switch cid {
		case LinkCheckReq:
			return 0
		case LinkADRAns:
			return 1
		case DutyCycleAns:
			return 0
		case RXParamSetupAns:
			return 1
		case DevStatusAns:
			return 2
		case NewChannelAns:
			return 1
		case RXTimingSetupAns:
			return 0
		case TxParamSetupAns:
			return 0
		case DlChannelAns:
			return 1
		case DeviceTimeReq:
			return 0
		default:
			return -1
		}
	}

	switch cid {
	case LinkCheckAns:
		return 2
	case LinkADRReq:
		return 4
	case DutyCycleReq:
		return 1
	case RXParamSetupReq:
		return 4
	case DevStatusReq:
		return 0
	case NewChannelReq:
		return 5
	case RXTimingSetupReq:
		return 1
	case TxParamSetupReq:
		return 1
	case DlChannelReq:
		return 4
	case DeviceTimeAns:
		return 5
	default:
		return -1
	}
}

// EncodeMACCommands encodes MAC commands to bytes
func EncodeMACCommands(commands []MACCommand) []byte {
	var data []byte

	for _, cmd := range commands {
		data = append(data, cmd.CID)
		data = append(data, cmd.Payload...)
	}

	return data
}

// LinkCheckAnsPayload is the answer to a LinkCheckReq
type LinkCheckAnsPayload struct {
	Margin uint8
	GwCnt  uint8
}

// MACCommand encodes the payload as a downlink command
func (p LinkCheckAnsPayload) MACCommand() MACCommand {
	return MACCommand{CID: LinkCheckAns, Payload: []byte{p.Margin, p.GwCnt}}
}

// ParseLinkCheckAns decodes a LinkCheckAns command payload
func ParseLinkCheckAns(cmd MACCommand) (LinkCheckAnsPayload, error) {
	if cmd.CID != LinkCheckAns || len(cmd.Payload) != 2 {
		return LinkCheckAnsPayload{}, fmt.Errorf("invalid LinkCheckAns")
	}
	return LinkCheckAnsPayload{Margin: cmd.Payload[0], GwCnt: cmd.Payload[1]}, nil
}

// LinkADRReqPayload asks a device to change data rate, power and channel mask
type LinkADRReqPayload struct {
	DataRate   uint8
	TXPower    uint8 // power index, 0 = maximum
	ChMask     uint16
	ChMaskCntl uint8
	NbRep      uint8
}

// MACCommand encodes the payload as a downlink command
func (p LinkADRReqPayload) MACCommand() MACCommand {
	payload := make([]byte, 4)
	payload[0] = (p.DataRate&0x0F)<<4 | (p.TXPower & 0x0F)
	payload[1] = byte(p.ChMask)
	payload[2] = byte(p.ChMask >> 8)
	payload[3] = (p.ChMaskCntl&0x07)<<4 | (p.NbRep & 0x0F)
	return MACCommand{CID: LinkADRReq, Payload: payload}
}

// ParseLinkADRReq decodes a LinkADRReq command payload
func ParseLinkADRReq(cmd MACCommand) (LinkADRReqPayload, error) {
	if cmd.CID != LinkADRReq || len(cmd.Payload) != 4 {
		return LinkADRReqPayload{}, fmt.Errorf("invalid LinkADRReq")
	}
	return LinkADRReqPayload{
		DataRate:   cmd.Payload[0] >> 4,
		TXPower:    cmd.Payload[0] & 0x0F,
		ChMask:     uint16(cmd.Payload[1]) | uint16(cmd.Payload[2])<<8,
		ChMaskCntl: (cmd.Payload[3] >> 4) & 0x07,
		NbRep:      cmd.Payload[3] & 0x0F,
	}, nil
}

// ChannelMask builds a channel mask enabling the given channel indexes (0-15)
func ChannelMask(channels ...int) uint16 {
	var mask uint16
	for _, ch := range channels {
		if ch >= 0 && ch < 16 {
			mask |= 1 << uint(ch)
		}
	}
	return mask
}

// LinkADRAnsPayload is the device's answer to a LinkADRReq
type LinkADRAnsPayload struct {
	PowerACK       bool
	DataRateACK    bool
	ChannelMaskACK bool
}

// Accepted reports whether the device applied the full request
func (p LinkADRAnsPayload) Accepted() bool {
	return p.PowerACK && p.DataRateACK && p.ChannelMaskACK
}

// MACCommand encodes the payload as an uplink command
func (p LinkADRAnsPayload) MACCommand() MACCommand {
	var status byte
	if p.PowerACK {
		status |= 0x04
	}
	if p.DataRateACK {
		status |= 0x02
	}
	if p.ChannelMaskACK {
		status |= 0x01
	}
	return MACCommand{CID: LinkADRAns, Payload: []byte{status}}
}

// ParseLinkADRAns decodes a LinkADRAns command payload
func ParseLinkADRAns(cmd MACCommand) (LinkADRAnsPayload, error) {
	if cmd.CID != LinkADRAns || len(cmd.Payload) != 1 {
		return LinkADRAnsPayload{}, fmt.Errorf("invalid LinkADRAns")
	}
	status := cmd.Payload[0]
	return LinkADRAnsPayload{
		PowerACK:       status&0x04 != 0,
		DataRateACK:    status&0x02 != 0,
		ChannelMaskACK: status&0x01 != 0,
	}, nil
}
