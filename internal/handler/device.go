package handler

import (
	"net/http"

	"github.com/fieldgate/fieldgate/internal/middleware"
)

// --- Device handlers ---

// ListDevices handles GET /api/v1/mobile/devices
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())

	devices, err := h.deviceSvc.ListDevices(r.Context(), p.User.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("device list failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":         devices,
		"currentDeviceId": h.requestDeviceID(r),
	})
}

type registerDeviceRequest struct {
	DeviceID   string                 `json:"deviceId,omitempty"`
	DeviceInfo map[string]interface{} `json:"deviceInfo,omitempty"`
}

// RegisterDevice handles POST /api/v1/mobile/devices. Registration is
// an upsert: re-registering refreshes the metadata and last use without
// touching trust. The signing secret is only delivered at login or
// through the secret rotation endpoint.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())

	var req registerDeviceRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
			return
		}
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = h.requestDeviceID(r)
	}
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A device identifier is required")
		return
	}

	reg, err := h.deviceSvc.Register(r.Context(), p.User.ID, deviceID, req.DeviceInfo)
	if err != nil {
		h.log.Error().Err(err).Msg("device registration failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Device registration failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"device": reg})
}

type deviceActionRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
}

// TrustDevice handles POST /api/v1/mobile/devices/trust
func (h *Handler) TrustDevice(w http.ResponseWriter, r *http.Request) {
	h.setDeviceTrust(w, r, true)
}

// RevokeTrustDevice handles POST /api/v1/mobile/devices/revoke-trust
func (h *Handler) RevokeTrustDevice(w http.ResponseWriter, r *http.Request) {
	h.setDeviceTrust(w, r, false)
}

func (h *Handler) setDeviceTrust(w http.ResponseWriter, r *http.Request, trust bool) {
	p := middleware.PrincipalFrom(r.Context())

	var req deviceActionRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
			return
		}
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = h.requestDeviceID(r)
	}
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A device identifier is required")
		return
	}

	var (
		updated bool
		err     error
	)
	if trust {
		updated, err = h.deviceSvc.Trust(r.Context(), p.User.ID, deviceID)
	} else {
		updated, err = h.deviceSvc.RevokeTrust(r.Context(), p.User.ID, deviceID)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("device trust update failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Device trust update failed")
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "not_found", "No matching device registration")
		return
	}

	reg, err := h.deviceSvc.GetRegistration(r.Context(), p.User.ID, deviceID)
	if err != nil || reg == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"trusted": trust})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"device": reg})
}

// RotateDeviceSecret handles POST /api/v1/mobile/devices/secret. The
// route is signed with the old secret; a device that lost its secret
// must log in again instead.
func (h *Handler) RotateDeviceSecret(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	deviceID := h.requestDeviceID(r)
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A device identifier is required")
		return
	}

	secret, ok, err := h.deviceSvc.GenerateSecret(r.Context(), p.User.ID, deviceID)
	if err != nil {
		h.log.Error().Err(err).Msg("device secret rotation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Device secret rotation failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "No matching device registration")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"deviceSecret": secret})
}

// DeleteDevice handles DELETE /api/v1/mobile/devices/{deviceId}.
// Removal tears down the device's token pairs as well.
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	deviceID := r.PathValue("deviceId")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A device identifier is required")
		return
	}

	removed, err := h.deviceSvc.RemoveDevice(r.Context(), p.User.ID, deviceID)
	if err != nil {
		h.log.Error().Err(err).Msg("device removal failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Device removal failed")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", "No matching device registration")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Device removed"})
}
