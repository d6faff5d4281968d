package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
	"github.com/machinepay/channeld/internal/device"
	"github.com/machinepay/channeld/internal/ledger"
	"github.com/machinepay/channeld/internal/meter"
	"github.com/machinepay/channeld/internal/stream"
	"github.com/machinepay/channeld/internal/usage"
)

// Handler wires every engine operation onto a Gin router group.
type Handler struct {
	lifecycle *channel.Controller
	channels  *channel.Store
	streams   *stream.Engine
	usage     *usage.Engine
	meters    *meter.Store
	devices   *device.Registry
	log       *zap.Logger
}

func NewHandler(
	lifecycle *channel.Controller,
	channels *channel.Store,
	streams *stream.Engine,
	usageEng *usage.Engine,
	meters *meter.Store,
	devices *device.Registry,
	log *zap.Logger,
) *Handler {
	return &Handler{
		lifecycle: lifecycle,
		channels:  channels,
		streams:   streams,
		usage:     usageEng,
		meters:    meters,
		devices:   devices,
		log:       log,
	}
}

// Register mounts all routes. The usage-report route carries device
// credential auth; everything else is operator-facing.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/channels", h.openChannel)
	rg.GET("/channels", h.listChannels)
	rg.GET("/channels/:id", h.getChannel)
	rg.GET("/channels/:id/charges", h.channelCharges)
	rg.POST("/channels/:id/confirm", h.confirmChannel)
	rg.POST("/channels/:id/topup", h.topUpChannel)
	rg.POST("/channels/:id/pause", h.pauseChannel)
	rg.POST("/channels/:id/resume", h.resumeChannel)
	rg.POST("/channels/:id/close", h.closeChannel)
	rg.POST("/channels/:id/settle", h.settleChannel)
	rg.POST("/channels/:id/pay", h.micropay)

	rg.POST("/streams", h.startStream)
	rg.GET("/streams/:id", h.getStream)
	rg.POST("/streams/:id/flush", h.flushStream)
	rg.POST("/streams/:id/pause", h.pauseStream)
	rg.POST("/streams/:id/resume", h.resumeStream)
	rg.POST("/streams/:id/stop", h.stopStream)

	rg.POST("/meters", h.createMeter)
	rg.GET("/meters", h.listMeters)
	rg.GET("/meters/:id", h.getMeter)

	rg.POST("/devices", h.createDevice)
	rg.GET("/devices/:id", h.getDevice)
	rg.POST("/devices/:id/rotate", h.rotateDevice)
	rg.POST("/devices/:id/enable", h.enableDevice)
	rg.POST("/devices/:id/disable", h.disableDevice)

	rg.POST("/usage", DeviceAuth(h.devices), h.recordUsage)

	rg.GET("/stats", h.stats)
}

// abortErr maps the engine error taxonomy onto HTTP statuses.
func abortErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrScopeViolation):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrCapExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrUnderfundedStream):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrSettlementFailure):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ── channels ─────────────────────────────────────────────────────────────────

type channelView struct {
	ID                 string `json:"id"`
	Peer               string `json:"peer"`
	State              string `json:"state"`
	Capacity           string `json:"capacity"`
	LocalBalance       string `json:"local_balance"`
	RemoteBalance      string `json:"remote_balance"`
	OpenedAt           int64  `json:"opened_at"`
	ChallengePeriodSec int64  `json:"challenge_period_sec"`
	ClosedAt           int64  `json:"closed_at,omitempty"`
}

func viewChannel(ch *channel.Channel) channelView {
	return channelView{
		ID:                 ch.ID,
		Peer:               ch.Peer.Hex(),
		State:              string(ch.State),
		Capacity:           ch.Capacity.String(),
		LocalBalance:       ch.LocalBalance.String(),
		RemoteBalance:      ch.RemoteBalance.String(),
		OpenedAt:           ch.OpenedAt,
		ChallengePeriodSec: ch.ChallengePeriodSec,
		ClosedAt:           ch.ClosedAt,
	}
}

type openChannelRequest struct {
	Peer               string `json:"peer"`
	Deposit            string `json:"deposit"`
	ChallengePeriodSec int64  `json:"challenge_period_sec"`
}

func (h *Handler) openChannel(c *gin.Context) {
	var req openChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	deposit, err := ledger.ParsePositiveAmount(req.Deposit)
	if err != nil {
		abortErr(c, err)
		return
	}
	ch, err := h.lifecycle.Open(c.Request.Context(), req.Peer, deposit, req.ChallengePeriodSec)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewChannel(ch))
}

func (h *Handler) listChannels(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		channels []channel.Channel
		err      error
	)
	if peer := c.Query("peer"); peer != "" {
		if !common.IsHexAddress(peer) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer address"})
			return
		}
		channels, err = h.channels.ListByPeer(ctx, common.HexToAddress(peer))
	} else {
		channels, err = h.channels.List(ctx)
	}
	if err != nil {
		abortErr(c, err)
		return
	}
	out := make([]channelView, 0, len(channels))
	for i := range channels {
		out = append(out, viewChannel(&channels[i]))
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (h *Handler) getChannel(c *gin.Context) {
	ch, err := h.channels.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	if ch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, viewChannel(ch))
}

func (h *Handler) channelCharges(c *gin.Context) {
	charges, err := h.usage.ChargesByChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	out := make([]chargeView, 0, len(charges))
	for i := range charges {
		out = append(out, viewCharge(&charges[i]))
	}
	c.JSON(http.StatusOK, gin.H{"charges": out})
}

func (h *Handler) confirmChannel(c *gin.Context) {
	h.transition(c, h.lifecycle.Confirm)
}

func (h *Handler) pauseChannel(c *gin.Context) {
	h.transition(c, h.lifecycle.Pause)
}

func (h *Handler) resumeChannel(c *gin.Context) {
	h.transition(c, h.lifecycle.Resume)
}

func (h *Handler) closeChannel(c *gin.Context) {
	h.transition(c, h.lifecycle.Close)
}

func (h *Handler) settleChannel(c *gin.Context) {
	h.transition(c, h.lifecycle.Settle)
}

func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id string) (*channel.Channel, error)) {
	ch, err := op(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewChannel(ch))
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (h *Handler) topUpChannel(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := ledger.ParsePositiveAmount(req.Amount)
	if err != nil {
		abortErr(c, err)
		return
	}
	ch, err := h.lifecycle.TopUp(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewChannel(ch))
}

func (h *Handler) micropay(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := ledger.ParsePositiveAmount(req.Amount)
	if err != nil {
		abortErr(c, err)
		return
	}
	ch, err := h.lifecycle.Micropay(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewChannel(ch))
}

// ── streams ──────────────────────────────────────────────────────────────────

type streamView struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	RatePerSec string `json:"rate_per_sec"`
	StartedAt  int64  `json:"started_at"`
	Paused     bool   `json:"paused"`
	Stopped    bool   `json:"stopped"`
	StopReason string `json:"stop_reason,omitempty"`
}

func viewStream(st *stream.Stream) streamView {
	return streamView{
		ID:         st.ID,
		ChannelID:  st.ChannelID,
		RatePerSec: st.RatePerSec.String(),
		StartedAt:  st.StartedAt,
		Paused:     st.Paused || st.PausedByChannel,
		Stopped:    st.StoppedAt != 0,
		StopReason: st.StopReason,
	}
}

type startStreamRequest struct {
	ChannelID  string `json:"channel_id"`
	RatePerSec string `json:"rate_per_sec"`
}

func (h *Handler) startStream(c *gin.Context) {
	var req startStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rate, err := ledger.ParsePositiveAmount(req.RatePerSec)
	if err != nil {
		abortErr(c, err)
		return
	}
	st, err := h.streams.Start(c.Request.Context(), req.ChannelID, rate)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewStream(st))
}

func (h *Handler) getStream(c *gin.Context) {
	st, err := h.streams.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewStream(st))
}

func (h *Handler) flushStream(c *gin.Context) {
	st, moved, err := h.streams.Flush(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": viewStream(st), "moved": moved.String()})
}

func (h *Handler) pauseStream(c *gin.Context) {
	st, err := h.streams.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewStream(st))
}

func (h *Handler) resumeStream(c *gin.Context) {
	st, err := h.streams.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewStream(st))
}

func (h *Handler) stopStream(c *gin.Context) {
	st, err := h.streams.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewStream(st))
}

// ── meters ───────────────────────────────────────────────────────────────────

type meterView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Unit         string `json:"unit"`
	PricePerUnit string `json:"price_per_unit"`
	CreatedAt    int64  `json:"created_at"`
}

func viewMeter(m *meter.Meter) meterView {
	return meterView{
		ID:           m.ID,
		Name:         m.Name,
		Unit:         m.Unit,
		PricePerUnit: m.PricePerUnit.String(),
		CreatedAt:    m.CreatedAt,
	}
}

type createMeterRequest struct {
	Name         string `json:"name"`
	Unit         string `json:"unit"`
	PricePerUnit string `json:"price_per_unit"`
}

func (h *Handler) createMeter(c *gin.Context) {
	var req createMeterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	price, err := ledger.ParseAmount(req.PricePerUnit)
	if err != nil {
		abortErr(c, err)
		return
	}
	m, err := h.meters.Create(c.Request.Context(), req.Name, req.Unit, price)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewMeter(m))
}

func (h *Handler) getMeter(c *gin.Context) {
	m, err := h.meters.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewMeter(m))
}

func (h *Handler) listMeters(c *gin.Context) {
	meters, err := h.meters.List(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	out := make([]meterView, 0, len(meters))
	for i := range meters {
		out = append(out, viewMeter(&meters[i]))
	}
	c.JSON(http.StatusOK, gin.H{"meters": out})
}

// ── devices ──────────────────────────────────────────────────────────────────

type deviceView struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	MonthlyCap string   `json:"monthly_cap"`
	Enabled    bool     `json:"enabled"`
	CreatedAt  int64    `json:"created_at"`
	// Credential is only populated on create and rotate responses.
	Credential        string `json:"credential,omitempty"`
	CredentialVersion int64  `json:"credential_version,omitempty"`
}

func viewDevice(d *device.Device, withCredential bool) deviceView {
	v := deviceView{
		ID:         d.ID,
		Name:       d.Name,
		Scopes:     d.Scopes,
		MonthlyCap: d.MonthlyCap.String(),
		Enabled:    d.Enabled,
		CreatedAt:  d.CreatedAt,
	}
	if withCredential {
		v.Credential = d.Credential
		v.CredentialVersion = d.CredentialVersion
	}
	return v
}

type createDeviceRequest struct {
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	MonthlyCap string   `json:"monthly_cap"`
}

func (h *Handler) createDevice(c *gin.Context) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cap_, err := ledger.ParseAmount(req.MonthlyCap)
	if err != nil {
		abortErr(c, err)
		return
	}
	d, err := h.devices.Create(c.Request.Context(), req.Name, req.Scopes, cap_)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewDevice(d, true))
}

func (h *Handler) getDevice(c *gin.Context) {
	d, err := h.devices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDevice(d, false))
}

func (h *Handler) rotateDevice(c *gin.Context) {
	d, err := h.devices.RotateCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDevice(d, true))
}

func (h *Handler) enableDevice(c *gin.Context) {
	h.toggleDevice(c, true)
}

func (h *Handler) disableDevice(c *gin.Context) {
	h.toggleDevice(c, false)
}

func (h *Handler) toggleDevice(c *gin.Context, enabled bool) {
	d, err := h.devices.SetEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDevice(d, false))
}

// ── usage ────────────────────────────────────────────────────────────────────

type chargeView struct {
	ID        string `json:"id"`
	MeterID   string `json:"meter_id"`
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
	Units     int64  `json:"units"`
	Charged   string `json:"charged"`
	At        int64  `json:"at"`
}

func viewCharge(c *usage.Charge) chargeView {
	return chargeView{
		ID:        c.ID,
		MeterID:   c.MeterID,
		DeviceID:  c.DeviceID,
		ChannelID: c.ChannelID,
		Units:     c.Units,
		Charged:   c.Charged.String(),
		At:        c.At,
	}
}

type recordUsageRequest struct {
	MeterID   string `json:"meter_id"`
	ChannelID string `json:"channel_id"`
	Units     int64  `json:"units"`
}

func (h *Handler) recordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	d := authedDevice(c)
	charge, err := h.usage.RecordUsage(c.Request.Context(), d.ID, req.MeterID, req.Units, req.ChannelID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewCharge(charge))
}

// ── stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(c *gin.Context) {
	st, err := h.channels.Snapshot(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_channels":       st.TotalChannels,
		"live_channels":        st.LiveChannels,
		"archived_channels":    st.ArchivedChannels,
		"total_capacity":       st.TotalCapacity.String(),
		"total_local_balance":  st.TotalLocal.String(),
		"total_remote_balance": st.TotalRemote.String(),
	})
}
