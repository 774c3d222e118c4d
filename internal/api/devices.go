package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/coap-bridge/internal/device"
)

// handleListDevices returns every device seen, most recent first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeUnavailable(w, "device registry is disabled")
		return
	}

	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by identifier.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeUnavailable(w, "device registry is disabled")
		return
	}

	id := chi.URLParam(r, "*")
	if id == "" {
		writeNotFound(w, "device not found")
		return
	}

	dev, err := s.devices.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("getting device", "identifier", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}
