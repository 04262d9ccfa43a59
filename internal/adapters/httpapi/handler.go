// Package httpapi exposes the profile service over HTTP using gin.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"slicetune/internal/calibration"
	"slicetune/internal/core"
	"slicetune/internal/devicecfg"
	"slicetune/pkg/domain"
)

// Service is the subset of core.Service served over HTTP.
type Service interface {
	ResolveParameters(ctx context.Context, key domain.ProfileKey, filamentID string) (core.Resolved, error)
	SubmitFeedback(ctx context.Context, sub core.FeedbackSubmission) (core.SubmitResult, domain.Result, error)
	GetProfileHistory(ctx context.Context, key domain.ProfileKey) ([]core.VersionSummary, error)
	GetCurrentProfile(ctx context.Context, key domain.ProfileKey) (domain.ProfileVersion, error)
	SaveProfile(ctx context.Context, req core.SaveProfileRequest) (domain.ProfileVersion, domain.Result, error)
	RollbackProfile(ctx context.Context, key domain.ProfileKey, target int) (domain.ProfileVersion, domain.Result, error)
	ListProfiles(ctx context.Context, deviceID string) ([]domain.ProfileSummary, error)
	GenerateCalibration(ctx context.Context, req core.CalibrationRequest) (core.CalibrationResult, error)
	SaveFilamentCalibration(ctx context.Context, override domain.FilamentOverride) (domain.FilamentOverride, domain.Result, error)
	GetFilamentOverride(ctx context.Context, deviceID, filamentID string) (domain.FilamentOverride, error)
	ListFilamentOverrides(ctx context.Context, deviceID string) ([]domain.FilamentOverride, error)
	FeedbackPage(ctx context.Context, query domain.FeedbackQuery) (domain.FeedbackPage, error)
}

// Handler serves the profile API.
type Handler struct {
	Service Service
	Devices *devicecfg.Registry
}

// NewHandler constructs a handler. devices may be nil.
func NewHandler(svc Service, devices *devicecfg.Registry) *Handler {
	return &Handler{Service: svc, Devices: devices}
}

func profileKey(c *gin.Context) domain.ProfileKey {
	return domain.NewProfileKey(c.Param("device"), c.Param("material"), c.Query("profile"))
}

// ListDevices handles GET /api/v1/devices.
func (h *Handler) ListDevices(c *gin.Context) {
	devices := h.Devices.List()
	if devices == nil {
		devices = []devicecfg.Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// ListProfiles handles GET /api/v1/devices/:device/profiles.
func (h *Handler) ListProfiles(c *gin.Context) {
	profiles, err := h.Service.ListProfiles(c.Request.Context(), c.Param("device"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

// GetProfile handles GET /api/v1/devices/:device/profiles/:material.
func (h *Handler) GetProfile(c *gin.Context) {
	version, err := h.Service.GetCurrentProfile(c.Request.Context(), profileKey(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": version})
}

// ProfileHistory handles GET /api/v1/devices/:device/profiles/:material/history.
func (h *Handler) ProfileHistory(c *gin.Context) {
	history, err := h.Service.GetProfileHistory(c.Request.Context(), profileKey(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	if history == nil {
		history = []core.VersionSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// ResolveProfile handles GET /api/v1/devices/:device/profiles/:material/resolve?filament=.
func (h *Handler) ResolveProfile(c *gin.Context) {
	resolved, err := h.Service.ResolveParameters(c.Request.Context(), profileKey(c), c.Query("filament"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

type saveProfileBody struct {
	Parameters      map[domain.ParameterName]float64 `json:"parameters"`
	ExpectedVersion *int                             `json:"expected_version,omitempty"`
}

// SaveProfile handles PUT /api/v1/devices/:device/profiles/:material. The body
// may name a subset of parameters.
func (h *Handler) SaveProfile(c *gin.Context) {
	var body saveProfileBody
	if !bindJSON(c, &body) {
		return
	}
	version, _, err := h.Service.SaveProfile(c.Request.Context(), core.SaveProfileRequest{
		Key:             profileKey(c),
		Parameters:      domain.NewParameterSet(body.Parameters),
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"profile": version})
}

type rollbackBody struct {
	Version *int `json:"version"`
}

// RollbackProfile handles POST /api/v1/devices/:device/profiles/:material/rollback.
func (h *Handler) RollbackProfile(c *gin.Context) {
	var body rollbackBody
	if !bindJSON(c, &body) {
		return
	}
	if body.Version == nil {
		RespondError(c, &domain.ValidationError{Field: "version", Message: "required"})
		return
	}
	version, _, err := h.Service.RollbackProfile(c.Request.Context(), profileKey(c), *body.Version)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"profile": version})
}

// SubmitFeedback handles POST /api/v1/feedback.
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var sub core.FeedbackSubmission
	if !bindJSON(c, &sub) {
		return
	}
	result, _, err := h.Service.SubmitFeedback(c.Request.Context(), sub)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// ListFeedback handles GET /api/v1/feedback?device=&material=&limit=&cursor=.
// The next cursor is returned as an opaque token.
func (h *Handler) ListFeedback(c *gin.Context) {
	query := domain.FeedbackQuery{DeviceID: c.Query("device"), Material: c.Query("material")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			RespondError(c, &domain.ValidationError{Field: "limit", Message: "must be an integer"})
			return
		}
		query.Limit = limit
	}
	if token := c.Query("cursor"); token != "" {
		cursor, err := decodeCursor(token)
		if err != nil {
			RespondError(c, err)
			return
		}
		query.After = cursor
	}
	page, err := h.Service.FeedbackPage(c.Request.Context(), query)
	if err != nil {
		RespondError(c, err)
		return
	}
	records := page.Records
	if records == nil {
		records = []domain.FeedbackRecord{}
	}
	resp := gin.H{"records": records}
	if page.Next != nil {
		resp["next_cursor"] = encodeCursor(*page.Next)
	}
	c.JSON(http.StatusOK, resp)
}

// GenerateCalibration handles POST /api/v1/calibrations. With ?format=gcode
// the print file itself is returned as an attachment.
func (h *Handler) GenerateCalibration(c *gin.Context) {
	var req core.CalibrationRequest
	if !bindJSON(c, &req) {
		return
	}
	kind, err := calibration.ParseType(string(req.Type))
	if err != nil {
		RespondError(c, err)
		return
	}
	req.Type = kind
	result, err := h.Service.GenerateCalibration(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	if strings.EqualFold(c.Query("format"), "gcode") {
		c.Header("Content-Disposition", `attachment; filename="`+result.Instructions.Filename+`"`)
		c.Header("X-Calibration-Digest", result.Instructions.Digest)
		c.Data(http.StatusOK, "text/x-gcode", result.Instructions.Content)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListFilaments handles GET /api/v1/devices/:device/filaments.
func (h *Handler) ListFilaments(c *gin.Context) {
	overrides, err := h.Service.ListFilamentOverrides(c.Request.Context(), c.Param("device"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if overrides == nil {
		overrides = []domain.FilamentOverride{}
	}
	c.JSON(http.StatusOK, gin.H{"filaments": overrides})
}

// GetFilament handles GET /api/v1/devices/:device/filaments/:filament.
func (h *Handler) GetFilament(c *gin.Context) {
	override, err := h.Service.GetFilamentOverride(c.Request.Context(), c.Param("device"), c.Param("filament"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filament": override})
}

// SaveFilament handles PUT /api/v1/devices/:device/filaments/:filament. The
// path identifies the override; body ids are ignored.
func (h *Handler) SaveFilament(c *gin.Context) {
	var override domain.FilamentOverride
	if !bindJSON(c, &override) {
		return
	}
	override.DeviceID = c.Param("device")
	override.FilamentID = c.Param("filament")
	saved, _, err := h.Service.SaveFilamentCalibration(c.Request.Context(), override)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filament": saved})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		RespondError(c, &domain.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func encodeCursor(cursor domain.FeedbackCursor) string {
	raw, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (*domain.FeedbackCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &domain.ValidationError{Field: "cursor", Message: "malformed"}
	}
	var cursor domain.FeedbackCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, &domain.ValidationError{Field: "cursor", Message: "malformed"}
	}
	return &cursor, nil
}
