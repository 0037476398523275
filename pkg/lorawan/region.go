package lorawan

import (
	"fmt"
	"strings"
)

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	RX1DROffsetTable    map[int]map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
	MaxTxPowerDBm       float64
	SubBands            []SubBandPlan

	// rx1Frequency maps an uplink frequency to the RX1 downlink frequency
	rx1Frequency func(uplinkFreq uint32) (uint32, error)
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

// SubBandPlan is the regulatory default for one frequency range [Low, High)
type SubBandPlan struct {
	Name          string
	Low           uint32
	High          uint32
	DutyCycle     float64
	MaxTxPowerDBm float64
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	switch strings.ToUpper(region) {
	case "EU868", "EU863-870":
		return &EU868Configuration, nil
	case "CN470", "CN470_510":
		return &CN470Configuration, nil
	default:
		return nil, fmt.Errorf("unsupported region: %s", region)
	}
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51,
		1: 51,
		2: 51,
		3: 115,
		4: 242,
		5: 242,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 869525000,
	MaxTxPowerDBm:  14,
	SubBands: []SubBandPlan{
		{Name: "g", Low: 868000000, High: 868600000, DutyCycle: 0.01, MaxTxPowerDBm: 14},
		{Name: "g1", Low: 868700000, High: 869200000, DutyCycle: 0.001, MaxTxPowerDBm: 14},
		{Name: "g2", Low: 869400000, High: 869650000, DutyCycle: 0.1, MaxTxPowerDBm: 27},
		{Name: "g3", Low: 869700000, High: 870000000, DutyCycle: 0.01, MaxTxPowerDBm: 14},
		{Name: "h1.4", Low: 863000000, High: 868000000, DutyCycle: 0.01, MaxTxPowerDBm: 14},
	},
	// RX1 uses the uplink frequency
	rx1Frequency: func(f uint32) (uint32, error) { return f, nil },
}

// CN470Configuration for China 470-510MHz band
var CN470Configuration = RegionConfiguration{
	Name:            "CN470",
	DefaultChannels: cn470UplinkChannels(8),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 505300000,
	MaxTxPowerDBm:  19,
	SubBands: []SubBandPlan{
		{Name: "cn470", Low: 470000000, High: 510000000, DutyCycle: 0.01, MaxTxPowerDBm: 19},
	},
	rx1Frequency: cn470RX1Frequency,
}

// 上行 470.3 MHz 起，200 kHz 间隔，共 96 个信道
const (
	cn470UplinkBase   = 470300000
	cn470DownlinkBase = 500300000
	cn470Spacing      = 200000
)

func cn470UplinkChannels(n int) []Channel {
	channels := make([]Channel, n)
	for i := 0; i < n; i++ {
		channels[i] = Channel{
			Frequency: uint32(cn470UplinkBase + i*cn470Spacing),
			MinDR:     0,
			MaxDR:     5,
		}
	}
	return channels
}

// cn470RX1Frequency 下行信道 = 上行信道 % 48
func cn470RX1Frequency(uplinkFreq uint32) (uint32, error) {
	if uplinkFreq < cn470UplinkBase || uplinkFreq > cn470UplinkBase+95*cn470Spacing {
		return 0, fmt.Errorf("frequency %d Hz out of CN470 uplink range", uplinkFreq)
	}
	ch := (uplinkFreq - cn470UplinkBase) / cn470Spacing
	return cn470DownlinkBase + (ch%48)*cn470Spacing, nil
}

// GetRX1DataRateOffset calculates RX1 data rate
func (r *RegionConfiguration) GetRX1DataRateOffset(uplinkDR, rx1DROffset uint8) (uint8, error) {
	if r.RX1DROffsetTable != nil {
		if drMap, ok := r.RX1DROffsetTable[int(uplinkDR)]; ok {
			if dr, ok := drMap[int(rx1DROffset)]; ok {
				return uint8(dr), nil
			}
		}
		return 0, fmt.Errorf("invalid RX1 data rate: uplink DR%d offset %d", uplinkDR, rx1DROffset)
	}

	// Default behavior
	dr := int(uplinkDR) - int(rx1DROffset)
	if dr < 0 {
		dr = 0
	}
	return uint8(dr), nil
}

// GetRX1Frequency returns the RX1 downlink frequency for an uplink frequency
func (r *RegionConfiguration) GetRX1Frequency(uplinkFreq uint32) (uint32, error) {
	if r.rx1Frequency == nil {
		return uplinkFreq, nil
	}
	return r.rx1Frequency(uplinkFreq)
}

// GetDataRate returns the modulation parameters of a data rate index
func (r *RegionConfiguration) GetDataRate(dr uint8) (DataRate, error) {
	if int(dr) >= len(r.DataRates) {
		return DataRate{}, fmt.Errorf("invalid data rate: DR%d", dr)
	}
	return r.DataRates[dr], nil
}

// MaxDataRate returns the highest data rate index of the region
func (r *RegionConfiguration) MaxDataRate() uint8 {
	return uint8(len(r.DataRates) - 1)
}
