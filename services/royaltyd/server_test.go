package royaltyd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"royaltystake/core/events"
	"royaltystake/gateway/middleware"
	"royaltystake/native/royalty"
	"royaltystake/storage"
)

const (
	holderA = "0x1111111111111111111111111111111111111111"
	holderB = "0x2222222222222222222222222222222222222222"
	secret  = "test-secret"
)

type testEnv struct {
	http    *httptest.Server
	engine  *royalty.Engine
	history *HistoryStore
	hub     *events.Hub
}

func newTestEnv(t *testing.T, auth middleware.AuthConfig) *testEnv {
	t.Helper()
	store := royalty.NewStore(storage.NewMemDB())
	hub := events.NewHub(0)

	registry := royalty.NewRegistry(store)
	registry.SetEmitter(hub)
	engine, err := royalty.NewEngine(royalty.PolicyCarryForward)
	require.NoError(t, err)
	engine.SetState(store)
	engine.SetOwnership(registry)
	engine.SetEmitter(hub)

	history, err := OpenHistory("file:"+uuid.NewString()+"?mode=memory&cache=shared", nil)
	require.NoError(t, err)
	idem, err := OpenIdempotencyStore(filepath.Join(t.TempDir(), "idempotency.db"), time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = history.Run(ctx, hub)
	}()

	server := NewServer(Deps{
		Engine:      engine,
		Registry:    registry,
		Hub:         hub,
		History:     history,
		Idempotency: idem,
		Auth:        middleware.NewAuthenticator(auth, nil),
	})
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		cancel()
		<-done
		_ = idem.Close()
		_ = history.Close()
	})
	return &testEnv{http: httpServer, engine: engine, history: history, hub: hub}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) decode(t *testing.T, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, dst), string(r.body))
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return response{status: res.StatusCode, header: res.Header, body: data}
}

func (e *testEnv) mint(t *testing.T, assetID, holder, shares string, headers map[string]string) {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/assets", map[string]any{
		"assetId":   assetID,
		"holder":    holder,
		"shares":    shares,
		"ratingBps": 450,
	}, headers)
	require.Equal(t, http.StatusCreated, res.status, string(res.body))
}

func bearer(t *testing.T, claims jwt.MapClaims) map[string]string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestStakeDepositClaimFlow(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-1", holderA, "100", nil)
	env.mint(t, "track-1", holderB, "300", nil)

	res := env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderA, "amount": "100"}, nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	res = env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderB, "amount": "300"}, nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))

	res = env.do(t, http.MethodPost, "/v1/pools/track-1/deposits", map[string]string{"amount": "4000", "reference": "payout-1"}, nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	var receipt receiptJSON
	res.decode(t, &receipt)
	require.Equal(t, "4000", receipt.Amount)
	require.False(t, receipt.Carried)

	res = env.do(t, http.MethodGet, "/v1/pools/track-1/positions/"+holderA, nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	var pos positionJSON
	res.decode(t, &pos)
	require.Equal(t, "100", pos.StakedAmount)
	require.Equal(t, "1000", pos.Pending)

	res = env.do(t, http.MethodPost, "/v1/pools/track-1/claim", map[string]string{"holder": holderB}, nil)
	require.Equal(t, http.StatusOK, res.status)
	var claimed map[string]string
	res.decode(t, &claimed)
	require.Equal(t, "3000", claimed["claimed"])

	res = env.do(t, http.MethodGet, "/v1/pools/track-1", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	var pool poolJSON
	res.decode(t, &pool)
	require.Equal(t, "400", pool.TotalStaked)
	require.Equal(t, "3000", pool.TotalClaimed)

	res = env.do(t, http.MethodGet, "/v1/pools/track-1/audit", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	var audit auditJSON
	res.decode(t, &audit)
	require.True(t, audit.Consistent)
	require.Equal(t, "0", audit.Dust)

	require.Eventually(t, func() bool {
		records, err := env.history.List(context.Background(), HistoryFilter{AssetID: "track-1"})
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	res = env.do(t, http.MethodGet, "/v1/history?assetId=track-1", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	var history struct {
		Distributions []Distribution `json:"distributions"`
	}
	res.decode(t, &history)
	require.Len(t, history.Distributions, 1)
	require.Equal(t, "4000", history.Distributions[0].Amount)
	require.Equal(t, "payout-1", history.Distributions[0].Reference)
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-1", holderA, "100", nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"invalid amount", http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderA, "amount": "-5"}, http.StatusBadRequest},
		{"invalid holder", http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": "alice", "amount": "5"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderA, "amount": "5", "extra": "x"}, http.StatusBadRequest},
		{"shares not owned", http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderA, "amount": "101"}, http.StatusConflict},
		{"unknown asset stake", http.MethodPost, "/v1/pools/track-9/stake", map[string]string{"holder": holderA, "amount": "1"}, http.StatusNotFound},
		{"unstake without stake", http.MethodPost, "/v1/pools/track-1/unstake", map[string]string{"holder": holderA, "amount": "1"}, http.StatusConflict},
		{"unknown pool", http.MethodGet, "/v1/pools/track-9", nil, http.StatusNotFound},
		{"unknown position", http.MethodGet, "/v1/pools/track-1/positions/" + holderB, nil, http.StatusNotFound},
		{"unknown asset", http.MethodGet, "/v1/assets/track-9", nil, http.StatusNotFound},
		{"bad rating", http.MethodPost, "/v1/assets", map[string]any{"assetId": "track-2", "holder": holderA, "shares": "1", "ratingBps": 900}, http.StatusBadRequest},
		{"metadata conflict", http.MethodPost, "/v1/assets", map[string]any{"assetId": "track-1", "holder": holderA, "shares": "1", "ratingBps": 300}, http.StatusConflict},
		{"bad history limit", http.MethodGet, "/v1/history?limit=abc", nil, http.StatusBadRequest},
		{"zero streams", http.MethodPost, "/v1/pools/track-1/streams", map[string]any{"streams": 0}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := env.do(t, tc.method, tc.path, tc.body, nil)
			require.Equal(t, tc.status, res.status, string(res.body))
		})
	}
}

func TestIdempotentDepositReplay(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-1", holderA, "10", nil)
	res := env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderA, "amount": "10"}, nil)
	require.Equal(t, http.StatusOK, res.status)

	headers := map[string]string{"Idempotency-Key": "payout-7"}
	body := map[string]string{"amount": "500"}
	first := env.do(t, http.MethodPost, "/v1/pools/track-1/deposits", body, headers)
	require.Equal(t, http.StatusOK, first.status, string(first.body))
	second := env.do(t, http.MethodPost, "/v1/pools/track-1/deposits", body, headers)
	require.Equal(t, http.StatusOK, second.status)
	require.Equal(t, "true", second.header.Get("Idempotent-Replayed"))
	require.JSONEq(t, string(first.body), string(second.body))

	pool, err := env.engine.Pool("track-1")
	require.NoError(t, err)
	require.Equal(t, "500", pool.TotalDeposited.String())

	conflict := env.do(t, http.MethodPost, "/v1/pools/track-1/deposits", map[string]string{"amount": "600"}, headers)
	require.Equal(t, http.StatusConflict, conflict.status)
}

// gateEmitter parks the first Deposited event until release is closed so a
// deposit request can be held mid-flight.
type gateEmitter struct {
	next    events.Emitter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateEmitter) Emit(evt events.Event) {
	if _, ok := evt.(events.RoyaltyDeposited); ok {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	g.next.Emit(evt)
}

func (e *testEnv) post(path, key string, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	res, err := e.http.Client().Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode, nil
}

func TestConcurrentRetriesWithOneKeyDepositOnce(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-2", holderA, "10", nil)
	gate := &gateEmitter{next: env.hub, entered: make(chan struct{}), release: make(chan struct{})}
	env.engine.SetEmitter(gate)

	body := []byte(`{"amount":"1000"}`)
	type result struct {
		status int
		err    error
	}
	first := make(chan result, 1)
	go func() {
		status, err := env.post("/v1/pools/track-2/deposits", "k", body)
		first <- result{status, err}
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		close(gate.release)
		t.Fatal("first deposit never reached the engine")
	}

	const retries = 32
	results := make(chan result, retries)
	var wg sync.WaitGroup
	for i := 0; i < retries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := env.post("/v1/pools/track-2/deposits", "k", body)
			results <- result{status, err}
		}()
	}
	wg.Wait()
	close(results)
	for res := range results {
		require.NoError(t, res.err)
		require.Equal(t, http.StatusConflict, res.status, "retry during the first request must not run")
	}

	close(gate.release)
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, http.StatusOK, res.status)

	replay := env.do(t, http.MethodPost, "/v1/pools/track-2/deposits", map[string]string{"amount": "1000"}, map[string]string{"Idempotency-Key": "k"})
	require.Equal(t, http.StatusOK, replay.status)
	require.Equal(t, "true", replay.header.Get("Idempotent-Replayed"))

	pool, err := env.engine.Pool("track-2")
	require.NoError(t, err)
	require.Equal(t, "1000", pool.TotalDeposited.String())
}

func TestIdempotencyKeyReleasedAfterServerError(t *testing.T) {
	idem, err := OpenIdempotencyStore(filepath.Join(t.TempDir(), "idempotency.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idem.Close() })
	s := &Server{deps: Deps{Idempotency: idem}, logger: slog.Default(), nowFn: time.Now}

	calls := 0
	handler := s.idempotent(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			writeError(w, errors.New("ledger unavailable"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"call": calls})
	}))
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/pools/track-1/claim", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "retry-me")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusInternalServerError, send().Code)
	second := send()
	require.Equal(t, http.StatusOK, second.Code, "a failed attempt does not hold the key")
	require.Empty(t, second.Header().Get("Idempotent-Replayed"))
	third := send()
	require.Equal(t, "true", third.Header().Get("Idempotent-Replayed"))
	require.Equal(t, 2, calls)
}

func TestCarryForwardDepositOverHTTP(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-1", holderA, "10", nil)

	res := env.do(t, http.MethodPost, "/v1/pools/track-1/deposits", map[string]string{"amount": "70"}, nil)
	require.Equal(t, http.StatusOK, res.status)
	var receipt receiptJSON
	res.decode(t, &receipt)
	require.True(t, receipt.Carried)
	require.Equal(t, "70", receipt.Undistributed)

	res = env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderA, "amount": "10"}, nil)
	require.Equal(t, http.StatusOK, res.status)
	pending, err := env.engine.PendingRewards(holderA, "track-1")
	require.NoError(t, err)
	require.Equal(t, "70", pending.String())
}

func TestStreamsAndRate(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-1", holderA, "4", nil)
	res := env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderA, "amount": "4"}, nil)
	require.Equal(t, http.StatusOK, res.status)

	res = env.do(t, http.MethodPut, "/v1/streams/rate", map[string]string{"weiPerStream": "25"}, nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))

	res = env.do(t, http.MethodPost, "/v1/pools/track-1/streams", map[string]any{"streams": 8, "reference": "2026-10"}, nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	var receipt receiptJSON
	res.decode(t, &receipt)
	require.Equal(t, "200", receipt.Amount)
	require.Equal(t, uint64(8), receipt.Streams)
}

func TestAuthBindsHolderToSubject(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{Enabled: true, HMACSecret: secret})
	admin := bearer(t, jwt.MapClaims{"sub": "operator", "scope": "royalty:admin"})
	env.mint(t, "track-1", holderA, "50", admin)
	env.mint(t, "track-1", holderB, "50", admin)

	holder := bearer(t, jwt.MapClaims{"sub": holderA})
	res := env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"amount": "20"}, holder)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	var staked map[string]string
	res.decode(t, &staked)
	require.Equal(t, holderA, staked["holder"])

	res = env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"holder": holderB, "amount": "20"}, holder)
	require.Equal(t, http.StatusForbidden, res.status)

	res = env.do(t, http.MethodPost, "/v1/pools/track-1/deposits", map[string]string{"amount": "10"}, holder)
	require.Equal(t, http.StatusForbidden, res.status)

	res = env.do(t, http.MethodPost, "/v1/pools/track-1/stake", map[string]string{"amount": "20"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.status)

	res = env.do(t, http.MethodGet, "/v1/pools/track-1", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
}

func TestHaltedPoolResume(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-1", holderA, "10", nil)

	res := env.do(t, http.MethodPost, "/v1/pools/track-1/resume", nil, nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))

	res = env.do(t, http.MethodPost, "/v1/pools/track-9/resume", nil, nil)
	require.Equal(t, http.StatusNotFound, res.status)
}

func TestEventStreamReplaysBacklog(t *testing.T) {
	env := newTestEnv(t, middleware.AuthConfig{})
	env.mint(t, "track-1", holderA, "10", nil)
	res := env.do(t, http.MethodPost, "/v1/pools/track-1/deposits", map[string]string{"amount": "5"}, nil)
	require.Equal(t, http.StatusOK, res.status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/events/ws?type=" + events.TypeRoyaltyDeposited
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var rec eventRecordJSON
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, events.TypeRoyaltyDeposited, rec.Type)
	require.Equal(t, "track-1", rec.Attributes["assetId"])
	require.Equal(t, "5", rec.Attributes["amount"])
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }
