package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/crypto"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// deviceResponse never carries the session key itself
type deviceResponse struct {
	ID          string          `json:"id"`
	DevAddr     lorawan.DevAddr `json:"devAddr"`
	DevEUI      lorawan.EUI64   `json:"devEUI"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	HasKey      bool            `json:"hasKey"`
	ADR         bool            `json:"adr"`
	// Live is nil when the device is persisted but not in the registry
	Live *device.Status `json:"live,omitempty"`
}

func (s *RESTServer) toDeviceResponse(d *models.Device) deviceResponse {
	resp := deviceResponse{
		ID:          d.ID.String(),
		DevAddr:     d.Session.DevAddr,
		DevEUI:      d.Session.DevEUI,
		Name:        d.Name,
		Description: d.Description,
		HasKey:      !d.Session.SNwkSIntKey.IsZero(),
		ADR:         d.Session.ADR,
	}
	if rec, err := s.ns.Registry().LookupDevice(d.Session.DevAddr); err == nil {
		st := rec.Status()
		resp.Live = &st
	}
	return resp
}

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	devices, total, err := s.store.ListDevices(r.Context(), limit, offset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.toDeviceResponse(d))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": out,
		"total":   total,
	})
}

// HandleCreateDevice registers an ABP device with the network
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DevAddr     string `json:"dev_addr" validate:"required,hex=4"`
		DevEUI      string `json:"dev_eui" validate:"hex=8"`
		Name        string `json:"name" validate:"required,max=100"`
		Description string `json:"description" validate:"max=500"`

		NwkSKey     string `json:"nwk_s_key" validate:"hex=16"`
		GenerateKey bool   `json:"generate_key"`

		DataRate    *int     `json:"data_rate" validate:"min=0,max=15"`
		TxPowerDBm  *float64 `json:"tx_power" validate:"min=0,max=30"`
		RX1DROffset *int     `json:"rx1_dr_offset" validate:"min=0,max=7"`
		ADR         bool     `json:"adr"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	devAddr, err := lorawan.ParseDevAddr(req.DevAddr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid DevAddr")
		return
	}

	opts := s.ns.Options().Registry
	session := lorawan.DeviceSession{
		DevAddr:     devAddr,
		DR:          opts.DefaultDataRate,
		TxPowerDBm:  opts.DefaultTxPower,
		RX1DROffset: opts.RX1DROffset,
		ADR:         req.ADR,
	}

	if req.DevEUI != "" {
		devEUI, err := lorawan.ParseEUI64(req.DevEUI)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid DevEUI")
			return
		}
		session.DevEUI = devEUI
	}

	switch {
	case req.NwkSKey != "" && req.GenerateKey:
		s.respondError(w, http.StatusBadRequest, "nwk_s_key and generate_key are mutually exclusive")
		return
	case req.NwkSKey != "":
		b, _ := hex.DecodeString(req.NwkSKey)
		copy(session.SNwkSIntKey[:], b)
	case req.GenerateKey:
		key, err := crypto.GenerateKey()
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to generate key")
			return
		}
		session.SNwkSIntKey = key
	}

	if req.DataRate != nil {
		session.DR = uint8(*req.DataRate)
	}
	if req.TxPowerDBm != nil {
		session.TxPowerDBm = *req.TxPowerDBm
	}
	if req.RX1DROffset != nil {
		session.RX1DROffset = uint8(*req.RX1DROffset)
	}

	d := &models.Device{
		Name:        req.Name,
		Description: req.Description,
		Session:     session,
	}
	if err := s.ns.RegisterDevice(r.Context(), d); err != nil {
		s.respondDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"device": s.toDeviceResponse(d),
	}
	// a generated key is shown once
	if req.GenerateKey {
		resp["nwk_s_key"] = session.SNwkSIntKey.String()
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	devAddr, err := lorawan.ParseDevAddr(chi.URLParam(r, "dev_addr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid DevAddr")
		return
	}

	d, err := s.store.GetDevice(r.Context(), devAddr)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, s.toDeviceResponse(d))
}

// HandleDeleteDevice deregisters a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	devAddr, err := lorawan.ParseDevAddr(chi.URLParam(r, "dev_addr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid DevAddr")
		return
	}

	if err := s.ns.DeregisterDevice(r.Context(), devAddr); err != nil {
		s.respondDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
