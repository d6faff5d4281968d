package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
	"github.com/machinepay/channeld/internal/device"
	"github.com/machinepay/channeld/internal/meter"
	"github.com/machinepay/channeld/internal/stream"
	"github.com/machinepay/channeld/internal/usage"
	"github.com/machinepay/channeld/internal/webhook"
)

const testPeer = "0xABCDEF1234567890ABCDEF1234567890ABCDEF12"

type fakeSettler struct{ fail bool }

func (f *fakeSettler) SettleChannel(context.Context, *channel.Channel) error {
	if f.fail {
		return fmt.Errorf("collaborator unavailable")
	}
	return nil
}

type apiRig struct {
	router  *gin.Engine
	devices *device.Registry
	settler *fakeSettler
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()
	notifier := webhook.NewNotifier("", log)

	channels := channel.NewStore(rdb)
	streams := stream.NewStore(rdb)
	streamEngine := stream.NewEngine(streams, channels, notifier, log)
	settler := &fakeSettler{}
	lifecycle := channel.NewController(channels, settler, streamEngine, notifier, log)
	meters := meter.NewStore(rdb)
	devices := device.NewRegistry(rdb, log)
	usageEngine := usage.NewEngine(rdb, channels, meters, devices, notifier, log)

	r := gin.New()
	NewHandler(lifecycle, channels, streamEngine, usageEngine, meters, devices, log).Register(r.Group("/api"))
	return &apiRig{router: r, devices: devices, settler: settler}
}

func (a *apiRig) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("response not JSON: %s", w.Body.String())
		}
	}
	return w, out
}

func (a *apiRig) openActiveChannel(t *testing.T, deposit string) string {
	t.Helper()
	w, out := a.do(t, http.MethodPost, "/api/channels", gin.H{
		"peer": testPeer, "deposit": deposit, "challenge_period_sec": 3600,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("open: status %d body %s", w.Code, w.Body.String())
	}
	id := out["id"].(string)
	if w, _ := a.do(t, http.MethodPost, "/api/channels/"+id+"/confirm", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("confirm: status %d", w.Code)
	}
	return id
}

// ── channels ─────────────────────────────────────────────────────────────────

func TestChannelFlow(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.openActiveChannel(t, "100")

	w, out := rig.do(t, http.MethodPost, "/api/channels/"+id+"/pay", gin.H{"amount": "30"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pay: status %d body %s", w.Code, w.Body.String())
	}
	if out["local_balance"] != "70" || out["remote_balance"] != "30" {
		t.Errorf("balances: %v / %v", out["local_balance"], out["remote_balance"])
	}

	w, out = rig.do(t, http.MethodGet, "/api/channels/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	if out["state"] != "active" {
		t.Errorf("state: got %v", out["state"])
	}

	w, out = rig.do(t, http.MethodGet, "/api/channels?peer="+testPeer, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d", w.Code)
	}
	if n := len(out["channels"].([]any)); n != 1 {
		t.Errorf("channels: got %d want 1", n)
	}
}

func TestChannelErrors(t *testing.T) {
	rig := newAPIRig(t)

	// Unknown id is 404.
	if w, _ := rig.do(t, http.MethodGet, "/api/channels/ch_missing", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing channel: status %d want 404", w.Code)
	}

	// Bad peer address is 400.
	w, _ := rig.do(t, http.MethodPost, "/api/channels", gin.H{"peer": "nope", "deposit": "100"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad peer: status %d want 400", w.Code)
	}

	// Overdraft is 402.
	id := rig.openActiveChannel(t, "10")
	if w, _ := rig.do(t, http.MethodPost, "/api/channels/"+id+"/pay", gin.H{"amount": "15"}, nil); w.Code != http.StatusPaymentRequired {
		t.Errorf("overdraft: status %d want 402", w.Code)
	}

	// Paying a paused channel is 409.
	rig.do(t, http.MethodPost, "/api/channels/"+id+"/pause", nil, nil)
	if w, _ := rig.do(t, http.MethodPost, "/api/channels/"+id+"/pay", gin.H{"amount": "1"}, nil); w.Code != http.StatusConflict {
		t.Errorf("paused pay: status %d want 409", w.Code)
	}
}

func TestSettleFlow(t *testing.T) {
	rig := newAPIRig(t)
	id := rig.openActiveChannel(t, "100")

	rig.do(t, http.MethodPost, "/api/channels/"+id+"/close", nil, nil)

	// Collaborator failure surfaces as 502 and the channel stays closing.
	rig.settler.fail = true
	if w, _ := rig.do(t, http.MethodPost, "/api/channels/"+id+"/settle", nil, nil); w.Code != http.StatusBadGateway {
		t.Errorf("failed settle: status %d want 502", w.Code)
	}
	_, out := rig.do(t, http.MethodGet, "/api/channels/"+id, nil, nil)
	if out["state"] != "closing" {
		t.Errorf("state after failed settle: got %v", out["state"])
	}

	rig.settler.fail = false
	w, out := rig.do(t, http.MethodPost, "/api/channels/"+id+"/settle", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settle: status %d body %s", w.Code, w.Body.String())
	}
	if out["state"] != "closed" {
		t.Errorf("state: got %v want closed", out["state"])
	}
}

// ── streams ──────────────────────────────────────────────────────────────────

func TestStreamRoutes(t *testing.T) {
	rig := newAPIRig(t)
	chID := rig.openActiveChannel(t, "1000")

	w, out := rig.do(t, http.MethodPost, "/api/streams", gin.H{"channel_id": chID, "rate_per_sec": "2"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: status %d body %s", w.Code, w.Body.String())
	}
	stID := out["id"].(string)

	w, _ = rig.do(t, http.MethodPost, "/api/streams/"+stID+"/flush", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("flush: status %d", w.Code)
	}

	w, out = rig.do(t, http.MethodPost, "/api/streams/"+stID+"/stop", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: status %d", w.Code)
	}
	if out["stopped"] != true {
		t.Errorf("stopped: got %v", out["stopped"])
	}

	// Pause after stop is 409.
	if w, _ := rig.do(t, http.MethodPost, "/api/streams/"+stID+"/pause", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("pause stopped: status %d want 409", w.Code)
	}
}

// ── devices and usage ────────────────────────────────────────────────────────

func TestUsageFlow(t *testing.T) {
	rig := newAPIRig(t)
	chID := rig.openActiveChannel(t, "100")

	w, out := rig.do(t, http.MethodPost, "/api/meters", gin.H{
		"name": "inference", "unit": "token", "price_per_unit": "5",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create meter: status %d", w.Code)
	}
	meterID := out["id"].(string)

	w, out = rig.do(t, http.MethodPost, "/api/devices", gin.H{
		"name": "sensor-a", "scopes": []string{meterID}, "monthly_cap": "1000",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create device: status %d", w.Code)
	}
	deviceID := out["id"].(string)
	credential, ok := out["credential"].(string)
	if !ok || credential == "" {
		t.Fatal("create response missing credential")
	}

	// The credential never comes back from a plain read.
	_, out = rig.do(t, http.MethodGet, "/api/devices/"+deviceID, nil, nil)
	if _, present := out["credential"]; present {
		t.Error("credential leaked from device read")
	}

	auth := map[string]string{"X-Device-Id": deviceID, "X-Device-Key": credential}
	w, out = rig.do(t, http.MethodPost, "/api/usage", gin.H{
		"meter_id": meterID, "channel_id": chID, "units": 4,
	}, auth)
	if w.Code != http.StatusCreated {
		t.Fatalf("usage: status %d body %s", w.Code, w.Body.String())
	}
	if out["charged"] != "20" {
		t.Errorf("charged: got %v want 20", out["charged"])
	}

	// Missing or wrong credentials are uniform 401s.
	if w, _ := rig.do(t, http.MethodPost, "/api/usage", gin.H{"meter_id": meterID, "channel_id": chID, "units": 1}, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status %d want 401", w.Code)
	}
	bad := map[string]string{"X-Device-Id": deviceID, "X-Device-Key": "deadbeef"}
	if w, _ := rig.do(t, http.MethodPost, "/api/usage", gin.H{"meter_id": meterID, "channel_id": chID, "units": 1}, bad); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status %d want 401", w.Code)
	}

	// The charge shows up in the channel history.
	_, out = rig.do(t, http.MethodGet, "/api/channels/"+chID+"/charges", nil, nil)
	if n := len(out["charges"].([]any)); n != 1 {
		t.Errorf("charges: got %d want 1", n)
	}
}

func TestDeviceRotationAndDisable(t *testing.T) {
	rig := newAPIRig(t)

	_, out := rig.do(t, http.MethodPost, "/api/devices", gin.H{
		"name": "sensor-a", "scopes": []string{}, "monthly_cap": "0",
	}, nil)
	deviceID := out["id"].(string)
	oldCred := out["credential"].(string)

	w, out := rig.do(t, http.MethodPost, "/api/devices/"+deviceID+"/rotate", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate: status %d", w.Code)
	}
	newCred := out["credential"].(string)
	if newCred == oldCred {
		t.Error("rotate returned the old credential")
	}

	if w, _ := rig.do(t, http.MethodPost, "/api/devices/"+deviceID+"/disable", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("disable: status %d", w.Code)
	}
	auth := map[string]string{"X-Device-Id": deviceID, "X-Device-Key": newCred}
	if w, _ := rig.do(t, http.MethodPost, "/api/usage", gin.H{"units": 1}, auth); w.Code != http.StatusUnauthorized {
		t.Errorf("disabled device: status %d want 401", w.Code)
	}
}

// ── stats ────────────────────────────────────────────────────────────────────

func TestStats(t *testing.T) {
	rig := newAPIRig(t)
	rig.openActiveChannel(t, "100")
	rig.openActiveChannel(t, "50")

	w, out := rig.do(t, http.MethodGet, "/api/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status %d", w.Code)
	}
	if out["live_channels"].(float64) != 2 {
		t.Errorf("live_channels: got %v want 2", out["live_channels"])
	}
	if out["total_capacity"] != "150" {
		t.Errorf("total_capacity: got %v want 150", out["total_capacity"])
	}
}
