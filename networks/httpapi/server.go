// Package httpapi is the HTTP ingestion and predicate-registration surface
// (§6): one julienschmidt/httprouter server exposing the node's webhook
// endpoints and the chainhook registration/query API, fronted by rs/cors
// and a body-size cap, with an fjl/memsize introspection endpoint mirroring
// api/debug/api.go's "/memsize/" handler.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fjl/memsize/memsizeui"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	uuid "github.com/satori/go.uuid"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/indexer/stacks"
	"github.com/stacks-network/chainhook/log"
	"github.com/stacks-network/chainhook/observer"
)

var logger = log.NewModuleLogger(log.HTTPAPI)

// maxBodyBytes caps one ingestion request body at 20 MiB, the §6 "body
// size cap" supplement: an unbounded webhook body is an easy way for a
// misbehaving or malicious upstream node to exhaust memory.
const maxBodyBytes = 20 << 20

// commandTimeout bounds how long a registration/enable request waits for
// the Observer Core to answer via its Reply channel.
const commandTimeout = 5 * time.Second

// Server is the HTTP front end the Observer Core never imports: it only
// ever talks to the core through Submit, the same one-way dependency the
// Historical Scanner keeps via scan.DispatchFunc.
type Server struct {
	core    *observer.Core
	router  *httprouter.Router
	memsize *memsizeui.Handler
}

// New builds a Server wired to core. Call Handler to get the
// cors-wrapped http.Handler to pass to an http.Server.
func New(core *observer.Core) *Server {
	s := &Server{
		core:    core,
		router:  httprouter.New(),
		memsize: &memsizeui.Handler{},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.POST("/new_block", s.handleNewStacksBlock)
	s.router.POST("/new_burn_block", s.handleNewBurnBlock)
	s.router.POST("/new_microblocks", s.handleNewMicroblocks)
	s.router.POST("/new_mempool_tx", s.handleMempoolEvent)
	s.router.POST("/drop_mempool_tx", s.handleMempoolEvent)
	s.router.POST("/attachments/new", s.handleAttachment)
	s.router.POST("/mined_block", s.handleMinedTelemetry)
	s.router.POST("/mined_microblock", s.handleMinedTelemetry)

	s.router.POST("/v1/chainhooks/:chain", s.handleRegister)
	s.router.POST("/v1/chainhooks/:chain/:uuid/enable", s.handleEnable)
	s.router.DELETE("/v1/chainhooks/:chain/:uuid", s.handleDeregister)

	s.memsize.Add("core", s.core)
	s.router.Handler(http.MethodGet, "/debug/memsize/*path", http.StripPrefix("/debug/memsize", s.memsize))
}

// Handler returns the cors-wrapped handler to serve, with the 20 MiB body
// cap applied ahead of routing.
func (s *Server) Handler() http.Handler {
	capped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		s.router.ServeHTTP(w, r)
	})
	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	}).Handler(capped)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("failed to read request body", "path", r.URL.Path, "err", err)
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func parseChain(s string) (chaintypes.Chain, error) {
	switch s {
	case "stacks":
		return chaintypes.Stacks, nil
	case "bitcoin":
		return chaintypes.Bitcoin, nil
	default:
		return 0, errors.Errorf("httpapi: unknown chain %q", s)
	}
}

func (s *Server) handleNewStacksBlock(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	block, err := stacks.DecodeBlock(body)
	if err != nil {
		logger.Warn("failed to decode /new_block payload", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.core.Submit(observer.Command{Kind: observer.CmdProcessStacksBlock, Block: block})
	w.WriteHeader(http.StatusOK)
}

// handleNewBurnBlock records the PoX burn-chain anchor notification. The
// burn block's effect on chain state is already folded into each Stacks
// block's BlockMetadata by the normalizer (§4.3's PoX cycle computation),
// so this endpoint is informational only: it is accepted and logged, not
// turned into a chain event of its own.
func (s *Server) handleNewBurnBlock(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	logger.Debug("received burn block notification", "bytes", len(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNewMicroblocks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	microblocks, err := stacks.DecodeMicroblocks(body)
	if err != nil {
		logger.Warn("failed to decode /new_microblocks payload", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.core.Submit(observer.Command{
		Kind: observer.CmdPropagateStacksChainEvent,
		ChainEvent: chaintypes.ChainEvent{
			Chain:       chaintypes.Stacks,
			Kind:        chaintypes.ChainUpdatedWithMicroblocks,
			Microblocks: microblocks,
		},
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMempoolEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.core.Submit(observer.Command{Kind: observer.CmdPropagateStacksMempoolEvent, MempoolTx: body})
	w.WriteHeader(http.StatusOK)
}

// handleAttachment accepts /attachments/new bodies (off-chain data such as
// BNS zone files) without feeding them into chain-event evaluation: no
// predicate in §3 matches on attachment content.
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	logger.Debug("received attachment notification", "bytes", len(body))
	w.WriteHeader(http.StatusOK)
}

// handleMinedTelemetry accepts /mined_block and /mined_microblock: a
// node's own mining telemetry about blocks it produced but that have not
// yet been confirmed by the network, informational only.
func (s *Server) handleMinedTelemetry(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	logger.Debug("received mining telemetry", "path", r.URL.Path, "bytes", len(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	chain, err := parseChain(p.ByName("chain"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	instances, err := chainhooks.DecodeSpecFile(body, chain)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	uuids := make([]string, 0, len(instances))
	for _, inst := range instances {
		res, err := s.submitAndWait(observer.Command{Kind: observer.CmdRegisterPredicate, Instance: inst})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		uuids = append(uuids, res.UUID)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"uuids": uuids})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("uuid")
	if _, err := uuid.FromString(id); err != nil {
		http.Error(w, "invalid uuid", http.StatusBadRequest)
		return
	}
	res, err := s.submitAndWait(observer.Command{Kind: observer.CmdEnablePredicate, UUID: id})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uuid": res.UUID})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("uuid")
	if _, err := uuid.FromString(id); err != nil {
		http.Error(w, "invalid uuid", http.StatusBadRequest)
		return
	}
	chain, err := parseChain(p.ByName("chain"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := observer.CmdDeregisterStacks
	if chain == chaintypes.Bitcoin {
		kind = observer.CmdDeregisterBitcoin
	}
	if _, err := s.submitAndWait(observer.Command{Kind: kind, UUID: id}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// submitAndWait submits cmd with a fresh reply channel and waits up to
// commandTimeout for the Observer Core to answer.
func (s *Server) submitAndWait(cmd observer.Command) (observer.CommandResult, error) {
	reply := make(chan observer.CommandResult, 1)
	cmd.Reply = reply
	s.core.Submit(cmd)

	select {
	case res := <-reply:
		return res, res.Err
	case <-time.After(commandTimeout):
		return observer.CommandResult{}, errors.New("httpapi: timed out waiting for observer core")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
