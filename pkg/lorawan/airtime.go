package lorawan

import (
	"fmt"
	"math"
	"time"
)

const (
	preambleSymbols = 8
	codingRate      = 1 // 4/5
)

// TimeOnAir estimates the duration of a LoRa transmission using the Semtech
// SX127x formula with an explicit header and coding rate 4/5.
func TimeOnAir(dr DataRate, payloadLen int, crc bool) (time.Duration, error) {
	if dr.SpreadFactor < 6 || dr.SpreadFactor > 12 {
		return 0, fmt.Errorf("invalid spreading factor: %d", dr.SpreadFactor)
	}
	if dr.Bandwidth <= 0 {
		return 0, fmt.Errorf("invalid bandwidth: %d", dr.Bandwidth)
	}
	if payloadLen < 0 {
		return 0, fmt.Errorf("invalid payload length: %d", payloadLen)
	}

	sf := float64(dr.SpreadFactor)
	tSym := math.Pow(2, sf) / float64(dr.Bandwidth*1000)

	de := 0.0
	if tSym > 0.016 {
		de = 1
	}
	crcBits := 0.0
	if crc {
		crcBits = 16
	}

	num := 8*float64(payloadLen) - 4*sf + 28 + crcBits
	payloadSymbols := 8 + math.Max(math.Ceil(num/(4*(sf-2*de)))*(codingRate+4), 0)

	seconds := (preambleSymbols+4.25)*tSym + payloadSymbols*tSym
	return time.Duration(seconds * float64(time.Second)), nil
}
