package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// RFC 4493 section 4
func TestAESCMAC(t *testing.T) {
	key := unhex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	msg := unhex(t, "6bc1bee22e409f96e93d7e117393172a"+
		"ae2d8a571e03ac9c9eb76fac45af8e51"+
		"30c81c46a35ce411e5fbc1191a0a52ef"+
		"f69f2445df4f9b17ad2b417be66c3710")

	tests := []struct {
		n    int
		want string
	}{
		{0, "bb1d6929e95937287fa37d129b756746"},
		{16, "070a16b46b4d4144f79bdd9dd04a287c"},
		{40, "dfa66747de9ae63030ca32611497c827"},
		{64, "51f0bebf7e3b9d92fc49741779363cfe"},
	}
	for _, tt := range tests {
		mac, err := aesCMAC(key, msg[:tt.n])
		require.NoError(t, err)
		assert.Equal(t, tt.want, hex.EncodeToString(mac), "len %d", tt.n)
	}

	_, err := aesCMAC([]byte{1, 2, 3}, msg)
	assert.Error(t, err)
}

func TestMHDR(t *testing.T) {
	var h MHDR
	// RFU bits set
	require.NoError(t, h.UnmarshalBinary([]byte{0x5C}))
	assert.Equal(t, UnconfirmedDataUp, h.MType)
	assert.Equal(t, LoRaWAN1_0, h.Major)

	b, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40}, b, "RFU bits are written as zero")

	_, err = MHDR{MType: ConfirmedDataDown, Major: 4}.MarshalBinary()
	assert.Error(t, err)
	assert.Error(t, h.UnmarshalBinary(nil))

	assert.True(t, ConfirmedDataUp.IsUplink())
	assert.True(t, ConfirmedDataUp.IsConfirmed())
	assert.False(t, UnconfirmedDataDown.IsUplink())
	assert.Equal(t, "MType(9)", MType(9).String())
}

func buildUplink(t *testing.T, mtype MType, fOpts []byte, fPort *uint8, frm []byte, key AES128Key) []byte {
	t.Helper()
	mac := MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{0x26, 0x01, 0x1b, 0xda},
			FCtrl:   FCtrl{ADR: true, ADRACKReq: true},
			FCnt:    7,
			FOpts:   fOpts,
		},
		FPort:      fPort,
		FRMPayload: frm,
	}
	macBytes, err := mac.Marshal(true)
	require.NoError(t, err)
	phy := PHYPayload{MHDR: MHDR{MType: mtype}, MACPayload: macBytes}
	require.NoError(t, phy.SetUplinkDataMIC(7, key))
	b, err := phy.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestMACPayloadRoundTrip(t *testing.T) {
	port := uint8(10)
	in := MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{1, 2, 3, 4},
			FCtrl:   FCtrl{ADR: true, ACK: true, FPending: true},
			FCnt:    0xBEEF,
			FOpts:   []byte{LinkCheckAns, 20, 3},
		},
		FPort:      &port,
		FRMPayload: []byte("hello"),
	}
	b, err := in.Marshal(false)
	require.NoError(t, err)

	var out MACPayload
	require.NoError(t, out.Unmarshal(b, false))
	assert.Equal(t, in.FHDR, out.FHDR)
	require.NotNil(t, out.FPort)
	assert.Equal(t, port, *out.FPort)
	assert.Equal(t, in.FRMPayload, out.FRMPayload)

	in.FHDR.FOpts = make([]byte, 16)
	_, err = in.Marshal(false)
	assert.Error(t, err)
	assert.Error(t, out.Unmarshal([]byte{1, 2, 3}, true))
	assert.Error(t, out.Unmarshal([]byte{1, 2, 3, 4, 0x05, 0, 0, 1}, true), "FOpts longer than the payload")
}

func TestParseDataFrame(t *testing.T) {
	fOpts := EncodeMACCommands([]MACCommand{
		{CID: LinkCheckReq},
		LinkADRAnsPayload{PowerACK: true, DataRateACK: true, ChannelMaskACK: true}.MACCommand(),
	})
	b := buildUplink(t, ConfirmedDataUp, fOpts, nil, nil, AES128Key{})

	frame, err := ParseDataFrame(b)
	require.NoError(t, err)
	assert.Equal(t, ConfirmedDataUp, frame.MHDR.MType)
	assert.Equal(t, uint16(7), frame.MACPayload.FHDR.FCnt)
	assert.True(t, frame.MACPayload.FHDR.FCtrl.ADRACKReq)
	require.Len(t, frame.Commands, 2)
	_, ok := frame.Command(LinkCheckReq)
	assert.True(t, ok)
	ans, ok := frame.Command(LinkADRAns)
	require.True(t, ok)
	p, err := ParseLinkADRAns(ans)
	require.NoError(t, err)
	assert.True(t, p.Accepted())

	port := uint8(0)
	frame, err = ParseDataFrame(buildUplink(t, UnconfirmedDataUp, nil, &port, []byte{LinkCheckReq}, AES128Key{}))
	require.NoError(t, err)
	_, ok = frame.Command(LinkCheckReq)
	assert.True(t, ok, "plaintext port 0 commands are parsed")

	_, err = ParseDataFrame(buildUplink(t, UnconfirmedDataUp, []byte{0xFF}, nil, nil, AES128Key{}))
	assert.Error(t, err, "unknown FOpts command")

	join := []byte{0x00, 1, 2, 3, 4, 5, 6, 7, 8}
	_, err = ParseDataFrame(join)
	assert.True(t, errors.Is(err, ErrNotDataFrame))

	_, err = ParseDataFrame([]byte{0x40, 1})
	assert.Error(t, err)
}

func TestUplinkMIC(t *testing.T) {
	key := AES128Key{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}
	b := buildUplink(t, UnconfirmedDataUp, nil, nil, nil, key)

	var phy PHYPayload
	require.NoError(t, phy.UnmarshalBinary(b))
	ok, err := phy.ValidateUplinkDataMIC(7, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = phy.ValidateUplinkDataMIC(7+0x10000, key)
	require.NoError(t, err)
	assert.False(t, ok, "the full 32-bit counter is part of the MIC")

	ok, _ = phy.ValidateUplinkDataMIC(7, AES128Key{1})
	assert.False(t, ok)

	// downlink and uplink MICs differ for the same bytes
	up := phy.MIC
	require.NoError(t, phy.SetDownlinkDataMIC(7, key))
	assert.NotEqual(t, up, phy.MIC)
}

func TestGetFullFCnt(t *testing.T) {
	assert.Equal(t, uint32(6), GetFullFCnt(5, 6))
	assert.Equal(t, uint32(0x10001), GetFullFCnt(0xFFFF, 1), "16-bit rollover")
	assert.Equal(t, uint32(0x2FFFF), GetFullFCnt(0x20005, 0xFFFF), "late frame stays in the current epoch")
}

func TestMACCommands(t *testing.T) {
	req := LinkADRReqPayload{DataRate: 5, TXPower: 3, ChMask: ChannelMask(0, 1, 2), NbRep: 1}
	parsed, err := ParseLinkADRReq(req.MACCommand())
	require.NoError(t, err)
	assert.Equal(t, req, parsed)
	assert.Equal(t, uint16(0x0007), ChannelMask(0, 1, 2, 16, -1))

	lc, err := ParseLinkCheckAns(LinkCheckAnsPayload{Margin: 12, GwCnt: 2}.MACCommand())
	require.NoError(t, err)
	assert.Equal(t, uint8(12), lc.Margin)
	assert.Equal(t, uint8(2), lc.GwCnt)

	_, err = ParseLinkADRAns(MACCommand{CID: LinkADRAns})
	assert.Error(t, err)

	cmds, err := ParseMACCommands(false, []byte{LinkCheckAns, 1, 2, DevStatusReq})
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
	_, err = ParseMACCommands(false, []byte{LinkADRReq, 1})
	assert.Error(t, err)
}

func TestTimeOnAir(t *testing.T) {
	sf7 := EU868Configuration.DataRates[5]
	d, err := TimeOnAir(sf7, 13, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.046336, d.Seconds(), 1e-6)

	sf12 := EU868Configuration.DataRates[0]
	d, err = TimeOnAir(sf12, 13, true)
	require.NoError(t, err)
	assert.InDelta(t, 1.155072, d.Seconds(), 1e-6)

	longer, err := TimeOnAir(sf7, 50, true)
	require.NoError(t, err)
	assert.Greater(t, longer, 46*time.Millisecond)

	_, err = TimeOnAir(DataRate{SpreadFactor: 13, Bandwidth: 125}, 1, true)
	assert.Error(t, err)
	_, err = TimeOnAir(sf7, -1, true)
	assert.Error(t, err)
}

func TestSNR(t *testing.T) {
	snr, ok := RequiredSNR(5)
	assert.True(t, ok)
	assert.Equal(t, -7.5, snr)
	_, ok = RequiredSNR(6)
	assert.False(t, ok)

	assert.InDelta(t, 3.0, RxPowerToSNR(SNRToRxPower(3)), 1e-9)
	for i := uint8(0); i <= 7; i++ {
		assert.Equal(t, i, TxPowerIndex(TxPowerFromIndex(i)))
	}
	assert.Equal(t, uint8(0), TxPowerIndex(20))
	assert.Equal(t, uint8(7), TxPowerIndex(-3))
}

func TestRegion(t *testing.T) {
	eu, err := GetRegionConfiguration("eu868")
	require.NoError(t, err)
	assert.Equal(t, "EU868", eu.Name)
	_, err = GetRegionConfiguration("US915")
	assert.Error(t, err)

	f, err := eu.GetRX1Frequency(868300000)
	require.NoError(t, err)
	assert.Equal(t, uint32(868300000), f)

	dr, err := eu.GetRX1DataRateOffset(5, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), dr)
	dr, err = eu.GetRX1DataRateOffset(1, 3)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), dr)
	_, err = eu.GetRX1DataRateOffset(6, 0)
	assert.Error(t, err)

	assert.Equal(t, uint8(5), eu.MaxDataRate())
	_, err = eu.GetDataRate(6)
	assert.Error(t, err)

	cn := &CN470Configuration
	f, err = cn.GetRX1Frequency(470300000 + 50*200000)
	require.NoError(t, err)
	assert.Equal(t, uint32(500300000+2*200000), f)
	_, err = cn.GetRX1Frequency(868100000)
	assert.Error(t, err)
}

func TestIdentifiers(t *testing.T) {
	addr, err := ParseDevAddr("26011BDA")
	require.NoError(t, err)
	assert.Equal(t, "26011bda", addr.String())
	_, err = ParseDevAddr("26011b")
	assert.Error(t, err)

	eui, err := ParseEUI64("0102030405060708")
	require.NoError(t, err)
	_, err = ParseEUI64("zz")
	assert.Error(t, err)

	b, err := json.Marshal(map[EUI64]DevAddr{eui: addr})
	require.NoError(t, err)
	assert.JSONEq(t, `{"0102030405060708":"26011bda"}`, string(b))

	key := AES128Key{1, 2, 3}
	b, err = json.Marshal(key)
	require.NoError(t, err)
	var back AES128Key
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, key, back)
	assert.False(t, back.IsZero())
	assert.True(t, AES128Key{}.IsZero())
	assert.Error(t, json.Unmarshal([]byte(`"0102"`), &back))
}
