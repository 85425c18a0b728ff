package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/lnwire"
	log "github.com/sirupsen/logrus"
	"github.com/the-lightning-land/overflowd/acquirer"
	"github.com/the-lightning-land/overflowd/events"
	"github.com/the-lightning-land/overflowd/intercept"
	"github.com/the-lightning-land/overflowd/ledger"
	"github.com/the-lightning-land/overflowd/odb"
	"github.com/the-lightning-land/overflowd/reconciler"
	"github.com/the-lightning-land/overflowd/rpc"
)

const maxBodySize = 1 << 20

// invoiceNode creates the node's own invoices when no replacement is needed.
type invoiceNode interface {
	IdentityPubKey(ctx context.Context) (odb.PubKey, error)
	AddInvoice(ctx context.Context, req odb.InvoiceRequest) (*odb.Invoice, error)
}

type rpcServerConfig struct {
	node        invoiceNode
	ledger      *ledger.Ledger
	interceptor *intercept.Interceptor
	reconciler  *reconciler.Reconciler
	acquirer    *acquirer.Acquirer
	recorder    *events.Recorder
	logger      *log.Entry
	version     string
	commit      string
}

type rpcServer struct {
	node        invoiceNode
	ledger      *ledger.Ledger
	interceptor *intercept.Interceptor
	reconciler  *reconciler.Reconciler
	acquirer    *acquirer.Acquirer
	recorder    *events.Recorder
	logger      *log.Entry
	version     string
	commit      string
	router      *mux.Router
}

var _ http.Handler = (*rpcServer)(nil)

func newRPCServer(config *rpcServerConfig) *rpcServer {
	s := &rpcServer{
		node:        config.node,
		ledger:      config.ledger,
		interceptor: config.interceptor,
		reconciler:  config.reconciler,
		acquirer:    config.acquirer,
		recorder:    config.recorder,
		logger:      config.logger,
		version:     config.version,
		commit:      config.commit,
		router:      mux.NewRouter(),
	}

	if s.logger == nil {
		s.logger = log.NewEntry(log.StandardLogger())
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/info", s.getInfo).Methods("GET")
	v1.HandleFunc("/quotes", s.listQuotes).Methods("GET")
	v1.HandleFunc("/invoices", s.createInvoice).Methods("POST")
	v1.HandleFunc("/hooks/rpc_command", s.rpcCommandHook).Methods("POST")
	v1.HandleFunc("/events", s.listEvents).Methods("GET")
	v1.HandleFunc("/reconcile", s.reconcile).Methods("POST")

	return s
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *rpcServer) getInfo(w http.ResponseWriter, r *http.Request) {
	res := &rpc.GetInfoResponse{
		Version:      s.version,
		Commit:       s.commit,
		EcashBalance: int64(s.ledger.CachedBalance()),
	}

	if identityPubKey, err := s.node.IdentityPubKey(r.Context()); err == nil {
		res.IdentityPubKey = string(identityPubKey)
	} else {
		s.logger.Warnf("Could not get identity pubkey: %v", err)
	}

	quotes, err := s.ledger.PendingQuotes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	res.PendingQuotes = len(quotes)

	if s.acquirer != nil {
		status := s.acquirer.Status()
		res.Acquisition = rpc.AcquisitionStatus{
			State:         status.State.String(),
			Peer:          status.Peer,
			EstimatedCost: int64(status.EstimatedCost),
			OrderId:       status.OrderId,
			LastError:     status.LastError,
		}
	}

	s.writeJSON(w, res)
}

func (s *rpcServer) listQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.ledger.PendingQuotes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	res := &rpc.ListQuotesResponse{Quotes: make([]rpc.Quote, 0, len(quotes))}
	for _, quote := range quotes {
		res.Quotes = append(res.Quotes, rpc.Quote{
			Id:             quote.ID,
			PaymentRequest: quote.PaymentRequest,
			AmountSat:      int64(quote.Amount),
			ExpiresAt:      quote.Expiry.Unix(),
		})
	}

	s.writeJSON(w, res)
}

func (s *rpcServer) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req rpc.CreateInvoiceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, &rpc.ErrorResponse{Error: "Invalid invoice request: " + err.Error()})
		return
	}

	if req.AmountMsat == 0 {
		s.writeStatus(w, http.StatusBadRequest, &rpc.ErrorResponse{Error: "Invoices without amount are not supported"})
		return
	}

	invoiceReq := odb.InvoiceRequest{
		AmountMsat:  lnwire.MilliSatoshi(req.AmountMsat),
		Description: req.Description,
		Label:       req.Label,
	}

	decision, err := s.interceptor.Decide(r.Context(), invoiceReq)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res := &rpc.CreateInvoiceResponse{
		Action:      decision.Action.String(),
		InboundMsat: uint64(decision.InboundMsat),
	}

	invoice := decision.Invoice
	if decision.Action == intercept.Continue {
		invoice, err = s.node.AddInvoice(r.Context(), invoiceReq)
		if err != nil {
			s.writeError(w, odb.UpstreamUnavailableError{Service: "node", Err: err})
			return
		}
	} else {
		res.QuoteId = decision.Quote.ID
	}

	res.PaymentRequest = invoice.PaymentRequest
	res.PaymentHash = invoice.PaymentHash
	res.PaymentSecret = invoice.PaymentSecret
	res.ExpiresAt = invoice.ExpiresAt
	res.CreatedIndex = invoice.CreatedIndex

	s.writeJSON(w, res)
}

func (s *rpcServer) rpcCommandHook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, &rpc.ErrorResponse{Error: err.Error()})
		return
	}

	s.writeJSON(w, s.interceptor.HandleHook(r.Context(), payload))
}

func (s *rpcServer) listEvents(w http.ResponseWriter, r *http.Request) {
	res := &rpc.ListEventsResponse{Events: []events.Event{}}
	if s.recorder != nil {
		res.Events = append(res.Events, s.recorder.Recent()...)
	}

	s.writeJSON(w, res)
}

func (s *rpcServer) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconciler.Tick(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, &rpc.ReconcileResponse{
		Expired: report.Expired,
		Paid:    report.Paid,
		Pending: report.Pending,
		Failed:  report.Failed,
	})
}

func (s *rpcServer) writeError(w http.ResponseWriter, err error) {
	var insufficient odb.InsufficientLiquidityError
	var upstream odb.UpstreamUnavailableError

	switch {
	case errors.As(err, &insufficient):
		s.writeStatus(w, http.StatusUnprocessableEntity, &rpc.ErrorResponse{
			Error:         err.Error(),
			ShortfallMsat: uint64(insufficient.ShortfallMsat()),
		})
	case errors.As(err, &upstream):
		s.writeStatus(w, http.StatusServiceUnavailable, &rpc.ErrorResponse{Error: err.Error()})
	default:
		s.logger.Errorf("Request failed: %v", err)
		s.writeStatus(w, http.StatusInternalServerError, &rpc.ErrorResponse{Error: err.Error()})
	}
}

func (s *rpcServer) writeJSON(w http.ResponseWriter, v interface{}) {
	s.writeStatus(w, http.StatusOK, v)
}

func (s *rpcServer) writeStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("Could not write response: %v", err)
	}
}
