package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/adapters/signal"
	"github.com/dkeye/Calls/internal/app"
	"github.com/dkeye/Calls/internal/app/devices"
	"github.com/dkeye/Calls/internal/app/orch"
	"github.com/dkeye/Calls/internal/app/peers"
	"github.com/dkeye/Calls/internal/app/soundboard"
	"github.com/dkeye/Calls/internal/app/voice"
	"github.com/dkeye/Calls/internal/app/volume"
	"github.com/dkeye/Calls/internal/config"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/core/coretest"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	router http.Handler
	store  *signal.MemoryStore
	limits *clock.Mock
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	self := domain.User{ID: "alice", DisplayName: "Alice", PeerID: "peer-alice"}
	store := signal.NewMemoryStore()
	net := coretest.NewNetwork()
	src := coretest.NewSource(core.DeviceInfo{ID: "mic-1", Kind: core.AudioInput, Label: "USB mic"})
	dev := devices.NewManager(src)
	pm := peers.NewManager(self.PeerID, net.Factory(self.PeerID), store, dev)
	o := orch.New(self, store, dev, pm, app.NewHub())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return store.Registered(self.PeerID) }, 2*time.Second, 5*time.Millisecond)

	vol, err := volume.Open(filepath.Join(t.TempDir(), "volumes.json"))
	require.NoError(t, err)

	limits := clock.NewMock()
	api := &API{
		Orch:    o,
		Voice:   voice.NewPresence(self, store, nil),
		Board:   soundboard.NewBoard(o.Hub, 2, 1024),
		Volumes: vol,
		Limiter: NewCallRateLimiter(limits, limit, time.Minute),
	}
	t.Cleanup(func() { _ = api.Voice.Leave(context.Background()) })

	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	return &fixture{router: SetupRouter(ctx, cfg, api), store: store, limits: limits}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCallValidation(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, http.MethodPost, "/api/call", map[string]string{"userId": "alice", "media": "audio"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), domain.ErrSelfCall.Error())

	w = f.do(t, http.MethodPost, "/api/call", map[string]string{"userId": "bob", "media": "hologram"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/call", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallLifecycleRoutes(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, http.MethodPost, "/api/call", map[string]string{"userId": "bob", "media": "audio"})
	require.Equal(t, http.StatusAccepted, w.Code)
	s := decode[domain.CallSession](t, w)
	require.Equal(t, domain.CallOutgoing, s.Status)
	require.Equal(t, domain.UserID("bob"), s.Remote.ID)

	w = f.do(t, http.MethodPost, "/api/call", map[string]string{"userId": "carol", "media": "audio"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/accept", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/hangup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, domain.CallIdle, decode[domain.CallSession](t, w).Status)

	w = f.do(t, http.MethodPost, "/api/mute", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodPost, "/api/screen/stop", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[domain.CallSession](t, w).IsIdle())
}

func TestCallRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	call := map[string]string{"userId": "bob", "media": "audio"}

	for range 2 {
		require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/call", call).Code)
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/hangup", nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/call", call).Code)

	f.limits.Add(time.Minute)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/call", call).Code)
}

func TestRoomInviteRoute(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, http.MethodPost, "/api/rooms/invite", map[string]string{"userId": "bob", "room": "lobby"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[map[string]string](t, w)["id"]
	inv, ok := f.store.Invite(id)
	require.True(t, ok)
	require.Equal(t, domain.InviteRoom, inv.Kind)
	require.Equal(t, domain.RoomName("lobby"), inv.Room)

	w = f.do(t, http.MethodPost, "/api/rooms/invite", map[string]string{"userId": "bob", "room": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceRoutes(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "mic-1")

	w = f.do(t, http.MethodPost, "/api/devices", map[string]string{"kind": "audioinput", "deviceId": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/devices", map[string]string{"kind": "audioinput", "deviceId": "mic-1"})
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[devices.State](t, w)
	require.Equal(t, "mic-1", state.Selected[core.AudioInput])
}

func TestVoiceRoutes(t *testing.T) {
	f := newFixture(t, 0)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/api/voice/roster", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/voice/join", map[string]string{"room": ""}).Code)

	w := f.do(t, http.MethodPost, "/api/voice/join", map[string]string{"room": "lobby"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, domain.RoomName("lobby"), decode[domain.Room](t, w).Name)

	w = f.do(t, http.MethodPost, "/api/voice/flags", map[string]bool{"isMuted": true, "isDeafened": true})
	require.Equal(t, http.StatusNoContent, w.Code)
	entries := f.store.Presence("lobby")
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsMuted)
	require.True(t, entries[0].IsDeafened)
	require.False(t, entries[0].IsVideoOn)

	require.Eventually(t, func() bool {
		return strings.Contains(f.do(t, http.MethodGet, "/api/voice/roster", nil).Body.String(), `"alice"`)
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/voice/leave", nil).Code)
	require.Empty(t, f.store.Presence("lobby"))
}

func TestSoundboardRoutes(t *testing.T) {
	f := newFixture(t, 0)
	src := "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(make([]byte, 64))

	w := f.do(t, http.MethodPost, "/api/soundboard", map[string]string{"name": "airhorn", "src": src})
	require.Equal(t, http.StatusCreated, w.Code)
	clip := decode[domain.Clip](t, w)

	big := base64.StdEncoding.EncodeToString(make([]byte, 2048))
	w = f.do(t, http.MethodPost, "/api/soundboard", map[string]string{"name": "long", "src": big})
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = f.do(t, http.MethodGet, "/api/soundboard", nil)
	require.Len(t, decode[[]domain.Clip](t, w), 1)

	w = f.do(t, http.MethodPost, "/api/soundboard/"+clip.ID+"/play", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"sent":0}`, w.Body.String())

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/soundboard/"+clip.ID, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/soundboard/"+clip.ID, nil).Code)
}

func TestVolumeRoutes(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, http.MethodPut, "/api/volumes/bob", map[string]float64{"gain": 1.5})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"user":"bob","gain":1}`, w.Body.String())

	f.do(t, http.MethodPut, "/api/volumes/carol", map[string]float64{"gain": 0.25})
	w = f.do(t, http.MethodGet, "/api/volumes", nil)
	require.JSONEq(t, `{"bob":1,"carol":0.25}`, w.Body.String())
}

func TestClientTokenCookie(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, http.MethodGet, "/api/state", nil)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	require.Equal(t, "CallsSessions", cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, 0)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first app.Notice
	require.NoError(t, ws.ReadJSON(&first))
	require.Equal(t, app.NoticeState, first.Type)
	require.True(t, first.Session.IsIdle())

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]string
	require.NoError(t, ws.ReadJSON(&pong))
	require.Equal(t, "pong", pong["type"])

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/call", strings.NewReader(`{"userId":"bob","media":"audio"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var n app.Notice
	require.NoError(t, ws.ReadJSON(&n))
	require.Equal(t, app.NoticeState, n.Type)
	require.Equal(t, domain.CallOutgoing, n.Session.Status)
}

func TestRateLimiterWindow(t *testing.T) {
	clk := clock.NewMock()
	rl := NewCallRateLimiter(clk, 2, time.Minute)

	require.True(t, rl.Allow("bob"))
	clk.Add(30 * time.Second)
	require.True(t, rl.Allow("bob"))
	require.False(t, rl.Allow("bob"))
	require.True(t, rl.Allow("carol"), "limits are per callee")

	clk.Add(31 * time.Second)
	require.True(t, rl.Allow("bob"), "first attempt left the window")
	require.False(t, rl.Allow("bob"))

	require.True(t, NewCallRateLimiter(clk, 0, time.Minute).Allow("bob"))
}
