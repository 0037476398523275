package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/internal/storage"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

type gatewayResponse struct {
	*models.Gateway
	Attached bool `json:"attached"`
}

func (s *RESTServer) toGatewayResponse(gw *models.Gateway) gatewayResponse {
	_, err := s.ns.Registry().LookupGateway(gw.GatewayID)
	return gatewayResponse{Gateway: gw, Attached: err == nil}
}

// HandleListGateways lists gateways
func (s *RESTServer) HandleListGateways(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	gateways, total, err := s.store.ListGateways(r.Context(), limit, offset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	out := make([]gatewayResponse, 0, len(gateways))
	for _, gw := range gateways {
		out = append(out, s.toGatewayResponse(gw))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": out,
		"total":    total,
	})
}

// HandleCreateGateway attaches a gateway to the network
func (s *RESTServer) HandleCreateGateway(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GatewayID   string   `json:"gateway_id" validate:"required,hex=8"`
		Name        string   `json:"name" validate:"required,max=100"`
		Description string   `json:"description" validate:"max=500"`
		Latitude    *float64 `json:"latitude" validate:"min=-90,max=90"`
		Longitude   *float64 `json:"longitude" validate:"min=-180,max=180"`
		Altitude    float64  `json:"altitude"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	gatewayID, err := lorawan.ParseEUI64(req.GatewayID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	if _, err := s.ns.Registry().LookupGateway(gatewayID); err == nil {
		s.respondError(w, http.StatusConflict, "gateway already attached")
		return
	}

	gw := &models.Gateway{
		GatewayID:   gatewayID,
		Name:        req.Name,
		Description: req.Description,
	}

	// Handle location
	if req.Latitude != nil && req.Longitude != nil {
		gw.Location = &models.Location{
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			Altitude:  req.Altitude,
		}
	}

	if _, err := s.ns.AttachGateway(r.Context(), gw); err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, s.toGatewayResponse(gw))
}

// HandleGetGateway gets a gateway
func (s *RESTServer) HandleGetGateway(w http.ResponseWriter, r *http.Request) {
	gatewayID, err := lorawan.ParseEUI64(chi.URLParam(r, "gateway_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	gw, err := s.store.GetGateway(r.Context(), gatewayID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, s.toGatewayResponse(gw))
}

// HandleDeleteGateway detaches a gateway
func (s *RESTServer) HandleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	gatewayID, err := lorawan.ParseEUI64(chi.URLParam(r, "gateway_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	if err := s.ns.DetachGateway(r.Context(), gatewayID); err != nil {
		s.respondDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListSubBands returns the duty-cycle state of every sub-band
func (s *RESTServer) HandleListSubBands(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"subBands": s.ns.SubBands().Snapshot(),
		"time":     time.Now(),
	})
}

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := pagination(r)

	filters := storage.EventLogFilters{}

	// Parse filters
	q := r.URL.Query()
	if v := q.Get("dev_addr"); v != "" {
		devAddr, err := lorawan.ParseDevAddr(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid dev_addr")
			return
		}
		filters.DevAddr = &devAddr
	}

	if v := q.Get("gateway_id"); v != "" {
		gatewayID, err := lorawan.ParseEUI64(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
			return
		}
		filters.GatewayID = &gatewayID
	}

	if eventType := q.Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := q.Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	for key, dst := range map[string]**time.Time{"start": &filters.StartTime, "end": &filters.EndTime} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+key+" time")
			return
		}
		*dst = &t
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}
