package api

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// HandleListDeviceDownlinks lists the replies sent to a device. format=csv
// exports them instead.
func (s *RESTServer) HandleListDeviceDownlinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devAddrStr := chi.URLParam(r, "dev_addr")
	devAddr, err := lorawan.ParseDevAddr(devAddrStr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid DevAddr")
		return
	}

	limit, offset := pagination(r)
	frames, total, err := s.store.ListDownlinkFrames(ctx, devAddr, limit, offset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	if r.URL.Query().Get("format") != "csv" {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"downlinks": frames,
			"total":     total,
		})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"device_%s_downlinks.csv\"", devAddrStr))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"Transmit At",
		"Gateway",
		"Window",
		"Frequency (Hz)",
		"Data Rate",
		"Tx Power (dBm)",
		"Frame Counter",
		"ACK",
		"PHYPayload (Hex)",
	}
	if err := writer.Write(header); err != nil {
		return
	}

	for _, f := range frames {
		row := []string{
			f.TransmitAt.Format(time.RFC3339Nano),
			f.GatewayID.String(),
			fmt.Sprintf("RX%d", f.Window),
			strconv.FormatUint(uint64(f.Frequency), 10),
			fmt.Sprintf("DR%d", f.DataRate),
			fmt.Sprintf("%.1f", f.TxPowerDBm),
			strconv.FormatUint(uint64(f.FCnt), 10),
			strconv.FormatBool(f.Ack),
			hex.EncodeToString(f.PHYPayload),
		}
		if err := writer.Write(row); err != nil {
			return
		}
	}
}
