package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nftbridge/native/bridge"
	"nftbridge/native/nft"
	"nftbridge/observability/metrics"
	"nftbridge/relay"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Deliverer accepts verified inbound relay envelopes. The HTTP messenger
// satisfies it.
type Deliverer interface {
	Deliver(env *relay.Envelope) error
}

// Server exposes one bridge instance over HTTP: the initiate entry points, the
// relay delivery sink and read access to the escrow ledger.
type Server struct {
	engine    *bridge.Engine
	deliverer Deliverer
	metrics   *metrics.BridgeMetrics
	log       *slog.Logger
}

// NewServer wires the HTTP surface for an engine. The deliverer may be nil on
// instances that only originate transfers.
func NewServer(engine *bridge.Engine, deliverer Deliverer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		deliverer: deliverer,
		metrics:   metrics.Bridge(),
		log:       logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(sr chi.Router) {
		sr.Post("/bridge", s.handleBridge)
		sr.Post("/bridge-to", s.handleBridgeTo)
		sr.Post("/relay/deliver", s.handleDeliver)
		sr.Get("/escrows", s.handleListEscrows)
		sr.Get("/escrows/{local}/{remote}/{id}", s.handleGetEscrow)
	})
	return r
}

type bridgeRequest struct {
	Caller      string `json:"caller"`
	LocalToken  string `json:"localToken"`
	RemoteToken string `json:"remoteToken"`
	Recipient   string `json:"recipient,omitempty"`
	TokenID     string `json:"tokenId"`
	MinGasLimit uint32 `json:"minGasLimit"`
	ExtraData   string `json:"extraData,omitempty"`
}

type escrowResponse struct {
	LocalToken  string `json:"localToken"`
	RemoteToken string `json:"remoteToken"`
	TokenID     string `json:"tokenId"`
	Escrowed    bool   `json:"escrowed"`
	Initiator   string `json:"initiator"`
	Recipient   string `json:"recipient"`
	ExtraData   string `json:"extraData,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

func escrowToResponse(record *bridge.EscrowRecord) escrowResponse {
	resp := escrowResponse{
		LocalToken:  bridge.AddressHex(record.LocalToken),
		RemoteToken: bridge.AddressHex(record.RemoteToken),
		Escrowed:    record.Escrowed,
		Initiator:   bridge.AddressHex(record.Initiator),
		Recipient:   bridge.AddressHex(record.Recipient),
		CreatedAt:   record.CreatedAt,
	}
	if record.TokenID != nil {
		resp.TokenID = record.TokenID.String()
	}
	if len(record.ExtraData) > 0 {
		resp.ExtraData = "0x" + hex.EncodeToString(record.ExtraData)
	}
	return resp
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	req, caller, localToken, remoteToken, tokenID, extraData, ok := s.decodeBridgeRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.Bridge(caller, localToken, remoteToken, tokenID, req.MinGasLimit, extraData); err != nil {
		s.metrics.ObserveRejected(rejectReason(err))
		s.log.Warn("bridge rejected", "caller", req.Caller, "tokenId", req.TokenID, "err", err)
		writeBridgeError(w, err)
		return
	}
	s.metrics.ObserveInitiated("bridge")
	writeJSON(w, http.StatusOK, map[string]string{"status": "initiated"})
}

func (s *Server) handleBridgeTo(w http.ResponseWriter, r *http.Request) {
	req, caller, localToken, remoteToken, tokenID, extraData, ok := s.decodeBridgeRequest(w, r)
	if !ok {
		return
	}
	recipient, err := bridge.ParseAddress(req.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid recipient: %w", err))
		return
	}
	if err := s.engine.BridgeTo(caller, localToken, remoteToken, recipient, tokenID, req.MinGasLimit, extraData); err != nil {
		s.metrics.ObserveRejected(rejectReason(err))
		s.log.Warn("bridgeTo rejected", "caller", req.Caller, "tokenId", req.TokenID, "err", err)
		writeBridgeError(w, err)
		return
	}
	s.metrics.ObserveInitiated("bridgeTo")
	writeJSON(w, http.StatusOK, map[string]string{"status": "initiated"})
}

func (s *Server) decodeBridgeRequest(w http.ResponseWriter, r *http.Request) (req bridgeRequest, caller, localToken, remoteToken [20]byte, tokenID *big.Int, extraData []byte, ok bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if caller, err = bridge.ParseAddress(req.Caller); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid caller: %w", err))
		return
	}
	if localToken, err = bridge.ParseAddress(req.LocalToken); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid localToken: %w", err))
		return
	}
	if remoteToken, err = bridge.ParseAddress(req.RemoteToken); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid remoteToken: %w", err))
		return
	}
	tokenID, err = parseTokenID(req.TokenID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if trimmed := strings.TrimPrefix(strings.TrimSpace(req.ExtraData), "0x"); trimmed != "" {
		if extraData, err = hex.DecodeString(trimmed); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid extraData: %w", err))
			return
		}
	}
	ok = true
	return
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if s.deliverer == nil {
		writeError(w, http.StatusNotImplemented, errors.New("relay delivery not configured"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return
	}
	env := new(relay.Envelope)
	if err := json.Unmarshal(body, env); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode envelope: %w", err))
		return
	}
	if err := s.deliverer.Deliver(env); err != nil {
		s.metrics.ObserveRelayDelivery("rejected")
		switch {
		case errors.Is(err, relay.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, err)
		case errors.Is(err, bridge.ErrNotFromBridge):
			writeError(w, http.StatusForbidden, err)
		case errors.Is(err, bridge.ErrNotEscrowed):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, bridge.ErrSelfToken):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	s.metrics.ObserveRelayDelivery("delivered")
	s.metrics.ObserveFinalized()
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	local, err := bridge.ParseAddress(chi.URLParam(r, "local"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid local token: %w", err))
		return
	}
	remote, err := bridge.ParseAddress(chi.URLParam(r, "remote"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid remote token: %w", err))
		return
	}
	tokenID, err := parseTokenID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, ok, err := s.engine.Escrows().Get(bridge.EscrowKey{LocalToken: local, RemoteToken: remote, TokenID: tokenID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("escrow record not found"))
		return
	}
	writeJSON(w, http.StatusOK, escrowToResponse(record))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	records, nextCursor, err := s.engine.Escrows().List(cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]escrowResponse, 0, len(records))
	for _, record := range records {
		items = append(items, escrowToResponse(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": items, "nextCursor": nextCursor})
}

func parseTokenID(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("tokenId required")
	}
	tokenID, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || tokenID.Sign() < 0 {
		return nil, fmt.Errorf("invalid tokenId %q", raw)
	}
	return tokenID, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, bridge.ErrNotExternalAccount):
		return "not_external_account"
	case errors.Is(err, bridge.ErrRemoteTokenRequired):
		return "remote_token_required"
	case errors.Is(err, nft.ErrIncorrectOwner):
		return "incorrect_owner"
	case errors.Is(err, nft.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, bridge.ErrNotFromBridge):
		return "not_from_bridge"
	case errors.Is(err, bridge.ErrSelfToken):
		return "self_token"
	case errors.Is(err, bridge.ErrNotEscrowed):
		return "not_escrowed"
	default:
		return "other"
	}
}

func writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrNotExternalAccount):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, bridge.ErrRemoteTokenRequired):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, nft.ErrIncorrectOwner), errors.Is(err, nft.ErrNotAuthorized), errors.Is(err, nft.ErrUnknownToken):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
