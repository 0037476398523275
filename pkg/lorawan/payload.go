package lorawan

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotDataFrame is returned when a data-frame operation is applied to a
// join or proprietary message.
var ErrNotDataFrame = errors.New("not a data frame")

// MarshalBinary encodes the MAC header byte.
//
// Bits 7-5 hold the message type, bits 4-2 are RFU and always written as
// zero, bits 1-0 hold the major version.
func (h MHDR) MarshalBinary() ([]byte, error) {
	if h.MType > Proprietary {
		return nil, fmt.Errorf("invalid MType: %d", h.MType)
	}
	if h.Major > 3 {
		return nil, fmt.Errorf("invalid major version: %d", h.Major)
	}
	return []byte{h.Byte()}, nil
}

// Byte returns the encoded header byte
func (h MHDR) Byte() byte {
	return byte(h.MType&0x07)<<5 | byte(h.Major&0x03)
}

// UnmarshalBinary decodes the MAC header byte, ignoring the RFU bits
func (h *MHDR) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("MHDR must be 1 byte, got %d", len(data))
	}
	h.MType = MType((data[0] >> 5) & 0x07)
	h.Major = Major(data[0] & 0x03)
	return nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	if err := p.MHDR.UnmarshalBinary(data[:1]); err != nil {
		return err
	}
	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	mhdr, err := p.MHDR.MarshalBinary()
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, mhdr...)
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// SetDownlinkDataMIC sets downlink MIC according to LoRaWAN 1.0
func (p *PHYPayload) SetDownlinkDataMIC(fCntDown uint32, sNwkSIntKey AES128Key) error {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, false); err != nil {
		return fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := dataMIC(sNwkSIntKey, 0x01, macPayload.FHDR.DevAddr, fCntDown, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// SetUplinkDataMIC sets an uplink MIC according to LoRaWAN 1.0
func (p *PHYPayload) SetUplinkDataMIC(fCntUp uint32, fNwkSIntKey AES128Key) error {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, true); err != nil {
		return fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := dataMIC(fNwkSIntKey, 0x00, macPayload.FHDR.DevAddr, fCntUp, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC validates an uplink MIC according to LoRaWAN 1.0
func (p *PHYPayload) ValidateUplinkDataMIC(fCntUp uint32, fNwkSIntKey AES128Key) (bool, error) {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, true); err != nil {
		return false, fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := dataMIC(fNwkSIntKey, 0x00, macPayload.FHDR.DevAddr, fCntUp, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return false, err
	}
	return mic == p.MIC, nil
}

// dataMIC computes cmac(key, B0 | MHDR | MACPayload)[0:4]
func dataMIC(key AES128Key, dir byte, devAddr DevAddr, fCnt uint32, mhdr byte, macPayload []byte) ([4]byte, error) {
	var mic [4]byte

	b0 := make([]byte, 16)
	b0[0] = 0x49
	b0[5] = dir
	copy(b0[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(1 + len(macPayload))

	msg := make([]byte, 0, len(b0)+1+len(macPayload))
	msg = append(msg, b0...)
	msg = append(msg, mhdr)
	msg = append(msg, macPayload...)

	hash, err := aesCMAC(key[:], msg)
	if err != nil {
		return mic, fmt.Errorf("calculate MIC: %w", err)
	}
	copy(mic[:], hash[:4])
	return mic, nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(fCntUp uint32, fCnt uint16) uint32 {
	upperBits := fCntUp & 0xFFFF0000

	// rollover of the lower 16 bits
	if uint16(fCntUp) > fCnt && (uint16(fCntUp)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(isUplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > 15 {
		return nil, fmt.Errorf("FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}

	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))
	data = append(data, m.FHDR.DevAddr[:]...)

	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	pos := 0

	copy(m.FHDR.DevAddr[:], data[pos:pos+4])
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl = FCtrl{ADR: (fctrl & 0x80) != 0}
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	m.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	m.FHDR.FOpts = nil
	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// DataFrame is a decoded data uplink or downlink
type DataFrame struct {
	MHDR       MHDR
	MACPayload MACPayload
	MIC        [4]byte

	// MAC commands carried in FOpts, or in FRMPayload when FPort is 0
	Commands []MACCommand
}

// ParseDataFrame decodes a data message. FRMPayload on port 0 is only
// parsed for MAC commands when it is not encrypted by the caller's transport;
// unparseable port 0 payloads are ignored rather than failing the frame.
func ParseDataFrame(phyBytes []byte) (*DataFrame, error) {
	var phy PHYPayload
	if err := phy.UnmarshalBinary(phyBytes); err != nil {
		return nil, err
	}

	switch phy.MHDR.MType {
	case UnconfirmedDataUp, ConfirmedDataUp, UnconfirmedDataDown, ConfirmedDataDown:
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotDataFrame, phy.MHDR.MType)
	}

	uplink := phy.MHDR.MType.IsUplink()
	frame := &DataFrame{MHDR: phy.MHDR, MIC: phy.MIC}
	if err := frame.MACPayload.Unmarshal(phy.MACPayload, uplink); err != nil {
		return nil, err
	}

	if len(frame.MACPayload.FHDR.FOpts) > 0 {
		cmds, err := ParseMACCommands(uplink, frame.MACPayload.FHDR.FOpts)
		if err != nil {
			return nil, fmt.Errorf("parse FOpts: %w", err)
		}
		frame.Commands = cmds
	}
	if fp := frame.MACPayload.FPort; fp != nil && *fp == 0 && len(frame.MACPayload.FRMPayload) > 0 {
		if cmds, err := ParseMACCommands(uplink, frame.MACPayload.FRMPayload); err == nil {
			frame.Commands = append(frame.Commands, cmds...)
		}
	}

	return frame, nil
}

// Command returns the first MAC command with the given CID
func (f *DataFrame) Command(cid byte) (MACCommand, bool) {
	for _, cmd := range f.Commands {
		if cmd.CID == cid {
			return cmd, true
		}
	}
	return MACCommand{}, false
}
