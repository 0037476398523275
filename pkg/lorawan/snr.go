package lorawan

import "math"

// DemodulationSNR is the minimum SNR (dB) required to demodulate each
// data rate (DR0..DR5, SF12..SF7 at 125 kHz).
var DemodulationSNR = [...]float64{-20, -17.5, -15, -12.5, -10, -7.5}

// noise floor of a 125 kHz channel with a 6 dB noise figure
var noiseFloorDBm = -174 + 10*math.Log10(125000) + 6

// RequiredSNR returns the demodulation threshold for a data rate
func RequiredSNR(dr uint8) (float64, bool) {
	if int(dr) >= len(DemodulationSNR) {
		return 0, false
	}
	return DemodulationSNR[dr], true
}

// RxPowerToSNR converts a received power in dBm to SNR in dB
func RxPowerToSNR(rssi float64) float64 {
	return rssi - noiseFloorDBm
}

// SNRToRxPower converts an SNR in dB back to a received power in dBm
func SNRToRxPower(snr float64) float64 {
	return snr + noiseFloorDBm
}

// TxPowerIndex maps a transmit power in dBm to the LinkADRReq power index
// (0 = 14 dBm, 7 = 0 dBm, 2 dB steps).
func TxPowerIndex(dBm float64) uint8 {
	switch {
	case dBm >= 14:
		return 0
	case dBm >= 12:
		return 1
	case dBm >= 10:
		return 2
	case dBm >= 8:
		return 3
	case dBm >= 6:
		return 4
	case dBm >= 4:
		return 5
	case dBm >= 2:
		return 6
	default:
		return 7
	}
}

// TxPowerFromIndex is the inverse of TxPowerIndex
func TxPowerFromIndex(index uint8) float64 {
	if index > 7 {
		index = 7
	}
	return 14 - 2*float64(index)
}
