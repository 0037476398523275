package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
)

// HandleGetIntegrations lists the configured event sinks
func (s *RESTServer) HandleGetIntegrations(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"sinks":   []string{},
			"dropped": 0,
		})
		return
	}

	cfg := s.config.Integration
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sinks":   s.events.Sinks(),
		"dropped": s.events.Dropped(),
		"nats": map[string]interface{}{
			"subject_prefix": cfg.NATSSubjectPrefix,
		},
		"http": map[string]interface{}{
			"enabled": cfg.HTTP.URL != "",
			"url":     cfg.HTTP.URL,
			"timeout": cfg.HTTP.Timeout.String(),
		},
		"mqtt": map[string]interface{}{
			"enabled": cfg.MQTT.Broker != "",
			"broker":  cfg.MQTT.Broker,
			"topic":   cfg.MQTT.Topic,
		},
	})
}

// HandleTestIntegration sends a test event straight to the sinks
func (s *RESTServer) HandleTestIntegration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sink string `json:"sink" validate:"max=64"`
	}

	// body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.events == nil {
		s.respondError(w, http.StatusNotFound, "no integrations configured")
		return
	}

	event := models.NewEvent(models.EventTypeIntegrationTest, models.EventLevelInfo, "integration test")
	if claims := claimsFrom(r.Context()); claims != nil {
		event.With("operator", claims.Username)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	results := make(map[string]string)
	success := true
	for name, err := range s.events.Test(ctx, req.Sink, event) {
		if err != nil {
			log.Warn().Err(err).Str("sink", name).Msg("集成测试失败")
			results[name] = err.Error()
			success = false
			continue
		}
		results[name] = "ok"
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": success,
		"results": results,
	})
}
