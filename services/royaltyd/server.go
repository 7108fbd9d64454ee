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
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"royaltystake/core/events"
	"royaltystake/gateway/middleware"
	"royaltystake/native/royalty"
)

const (
	routeGroupPublic = "public"
	routeGroupHolder = "holder"
	routeGroupAdmin  = "admin"

	maxBodyBytes = 64 << 10
)

var errHolderMismatch = errors.New("holder does not match token subject")

// Deps bundles the collaborators served over HTTP.
type Deps struct {
	Engine      *royalty.Engine
	Registry    *royalty.Registry
	Hub         *events.Hub
	History     *HistoryStore
	Idempotency *IdempotencyStore
	Auth        *middleware.Authenticator
	Limiter     *middleware.RateLimiter
	Obs         *middleware.Observability
	Metrics     http.Handler
	Logger      *slog.Logger
	AdminScope  string
	CORS        middleware.CORSConfig
}

// Server exposes the staking operations API.
type Server struct {
	deps   Deps
	router chi.Router
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewServer wires routes for the supplied dependencies.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, deps.Logger)
	}
	if deps.Limiter == nil {
		deps.Limiter = middleware.NewRateLimiter(nil, deps.Logger)
	}
	if deps.Obs == nil {
		deps.Obs = middleware.NewObservability(middleware.ObservabilityConfig{}, nil, deps.Logger)
	}
	if deps.AdminScope == "" {
		deps.AdminScope = "royalty:admin"
	}
	s := &Server{deps: deps, logger: deps.Logger, nowFn: time.Now}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.deps.CORS))

	obs := s.deps.Obs.Middleware
	limit := s.deps.Limiter.Middleware
	auth := s.deps.Auth.Middleware
	admin := s.deps.AdminScope

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(obs("mint"), limit(routeGroupAdmin), auth(admin), s.idempotent).Post("/assets", s.handleMint)
		r.With(obs("asset"), limit(routeGroupPublic)).Get("/assets/{assetID}", s.handleAsset)
		r.With(obs("stream_rate"), limit(routeGroupAdmin), auth(admin)).Put("/streams/rate", s.handleStreamRate)
		r.With(obs("history"), limit(routeGroupPublic)).Get("/history", s.handleHistory)
		r.With(obs("events"), limit(routeGroupPublic)).Get("/events/ws", s.handleEvents)

		r.Route("/pools/{assetID}", func(r chi.Router) {
			r.With(obs("pool"), limit(routeGroupPublic)).Get("/", s.handlePool)
			r.With(obs("position"), limit(routeGroupPublic)).Get("/positions/{holder}", s.handlePosition)
			r.With(obs("audit"), limit(routeGroupPublic)).Get("/audit", s.handleAudit)
			r.With(obs("stake"), limit(routeGroupHolder), auth(), s.idempotent).Post("/stake", s.handleStake)
			r.With(obs("unstake"), limit(routeGroupHolder), auth(), s.idempotent).Post("/unstake", s.handleUnstake)
			r.With(obs("claim"), limit(routeGroupHolder), auth(), s.idempotent).Post("/claim", s.handleClaim)
			r.With(obs("deposit"), limit(routeGroupAdmin), auth(admin), s.idempotent).Post("/deposits", s.handleDeposit)
			r.With(obs("streams"), limit(routeGroupAdmin), auth(admin), s.idempotent).Post("/streams", s.handleStreams)
			r.With(obs("resume"), limit(routeGroupAdmin), auth(admin)).Post("/resume", s.handleResume)
		})
	})
	return r
}

type stakeRequest struct {
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

type depositRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type streamsRequest struct {
	Streams   uint64 `json:"streams"`
	Reference string `json:"reference"`
}

type rateRequest struct {
	WeiPerStream string `json:"weiPerStream"`
}

type mintRequest struct {
	AssetID     string `json:"assetId"`
	Holder      string `json:"holder"`
	Shares      string `json:"shares"`
	RatingBps   uint32 `json:"ratingBps"`
	MetadataURI string `json:"metadataUri"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	s.handleStakeChange(w, r, true)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	s.handleStakeChange(w, r, false)
}

func (s *Server) handleStakeChange(w http.ResponseWriter, r *http.Request, stake bool) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	holder, err := s.resolveHolder(r, req.Holder)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	assetID := chi.URLParam(r, "assetID")
	var staked *big.Int
	if stake {
		staked, err = s.deps.Engine.Stake(r.Context(), holder, assetID, amount)
	} else {
		staked, err = s.deps.Engine.Unstake(holder, assetID, amount)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assetId": assetID,
		"holder":  holder,
		"staked":  staked.String(),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	holder, err := s.resolveHolder(r, req.Holder)
	if err != nil {
		writeError(w, err)
		return
	}
	assetID := chi.URLParam(r, "assetID")
	claimed, err := s.deps.Engine.Claim(holder, assetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assetId": assetID,
		"holder":  holder,
		"claimed": claimed.String(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.deps.Engine.ApplyDepositWithReference(chi.URLParam(r, "assetID"), amount, strings.TrimSpace(req.Reference))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptView(receipt))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	var req streamsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.deps.Engine.ReportStreams(r.Context(), chi.URLParam(r, "assetID"), req.Streams, strings.TrimSpace(req.Reference))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptView(receipt))
}

func (s *Server) handleStreamRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rate, err := parseAmount(req.WeiPerStream)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.SetStreamRate(rate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"weiPerStream": rate.String()})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	holder, err := normalizeHolder(req.Holder)
	if err != nil {
		writeError(w, err)
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	asset, err := s.deps.Registry.MintAsset(r.Context(), royalty.MintRequest{
		AssetID:     req.AssetID,
		Holder:      holder,
		Shares:      shares,
		RatingBps:   req.RatingBps,
		MetadataURI: req.MetadataURI,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.deps.Engine.GetOrCreatePool(asset.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, assetView(asset))
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.deps.Registry.Asset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetView(asset))
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.deps.Engine.Pool(chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView(pool))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	holder, err := normalizeHolder(chi.URLParam(r, "holder"))
	if err != nil {
		writeError(w, err)
		return
	}
	assetID := chi.URLParam(r, "assetID")
	pos, err := s.deps.Engine.Position(holder, assetID)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.deps.Engine.PendingRewards(holder, assetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos, pending))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.Audit(chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditView(report))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	if err := s.deps.Engine.ResumePool(assetID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Warn("royalty pool resumed by operator", slog.String("assetId", assetID))
	writeJSON(w, http.StatusOK, map[string]string{"assetId": assetID, "status": "resumed"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history unavailable"})
		return
	}
	query := r.URL.Query()
	filter := HistoryFilter{AssetID: query.Get("assetId")}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, badRequest("since must be RFC3339"))
			return
		}
		filter.Since = since
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	records, err := s.deps.History.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": records})
}

// resolveHolder picks the acting holder. With authentication enabled the
// token subject is authoritative and a differing body holder is refused.
func (s *Server) resolveHolder(r *http.Request, requested string) (string, error) {
	if subject, ok := middleware.Subject(r.Context()); ok {
		normalizedSubject, err := normalizeHolder(subject)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(requested) == "" {
			return normalizedSubject, nil
		}
		normalized, err := normalizeHolder(requested)
		if err != nil {
			return "", err
		}
		if normalized != normalizedSubject {
			return "", errHolderMismatch
		}
		return normalized, nil
	}
	return normalizeHolder(requested)
}

// normalizeHolder accepts hex addresses and returns their checksummed form.
func normalizeHolder(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", royalty.ErrInvalidHolder
	}
	return common.HexToAddress(trimmed).Hex(), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, royalty.ErrInvalidAmount
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, royalty.ErrInvalidAmount
	}
	return amount, nil
}

type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }

func badRequest(msg string) error { return requestError{msg: msg} }

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

func statusFor(err error) int {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, royalty.ErrInvalidAmount),
		errors.Is(err, royalty.ErrInvalidAsset),
		errors.Is(err, royalty.ErrInvalidHolder),
		errors.Is(err, royalty.ErrInvalidRating):
		return http.StatusBadRequest
	case errors.Is(err, errHolderMismatch):
		return http.StatusForbidden
	case errors.Is(err, royalty.ErrPoolNotFound),
		errors.Is(err, royalty.ErrPositionNotFound),
		errors.Is(err, royalty.ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, royalty.ErrInsufficientStake),
		errors.Is(err, royalty.ErrInsufficientShares),
		errors.Is(err, royalty.ErrInsufficientPoolStake),
		errors.Is(err, royalty.ErrPoolHalted),
		errors.Is(err, royalty.ErrAssetExists),
		errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, ErrIdempotencyInFlight):
		return http.StatusConflict
	case errors.Is(err, royalty.ErrEmptyPoolDeposit),
		errors.Is(err, royalty.ErrAmountOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Default().Error("request failed", slog.String("error", message))
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// idempotent replays the stored response when a mutating request repeats
// its Idempotency-Key.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || s.deps.Idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, badRequest("read body: "+err.Error()))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		subject, _ := middleware.Subject(r.Context())
		scope := r.Method + " " + r.URL.Path + " " + subject
		digest := fingerprint(body)

		record, found, err := s.deps.Idempotency.Reserve(scope, key, digest, s.nowFn())
		if err != nil {
			writeError(w, err)
			return
		}
		if found {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		stored := false
		defer func() {
			if stored {
				return
			}
			if err := s.deps.Idempotency.Release(scope, key); err != nil {
				s.logger.Error("release idempotency key failed", slog.String("error", err.Error()))
			}
		}()
		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status >= http.StatusInternalServerError {
			return
		}
		if err := s.deps.Idempotency.Save(scope, key, digest, capture.status, capture.body.Bytes(), s.nowFn()); err != nil {
			s.logger.Error("store idempotent response failed", slog.String("error", err.Error()))
			return
		}
		stored = true
	})
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
