package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/shopspring/decimal"
	"github.com/the-lightning-land/overflowd/odb"
)

const (
	errCodeInsufficientLiquidity = 1
	errCodeUpstreamUnavailable   = 2
	errCodeInternal              = 3

	// Same code the node uses for malformed command parameters.
	errCodeInvalidParams = -32602
)

var (
	msatPerBtc = decimal.New(1, 11)
	maxMsat    = decimal.RequireFromString(strconv.FormatUint(math.MaxUint64, 10))
)

// HookCall is a decoded rpc_command hook payload. It is either an
// InvoiceCall or an OtherCall.
type HookCall interface {
	hookCall()
}

// InvoiceCall is a call of the node's invoice command.
type InvoiceCall struct {
	Id      string
	Request odb.InvoiceRequest
	// AnyAmount is set for invoices that let the payer choose the amount.
	AnyAmount bool
}

// OtherCall is every other command. It is always passed through.
type OtherCall struct {
	Id     string
	Method string
}

func (InvoiceCall) hookCall() {}
func (OtherCall) hookCall()   {}

// InvalidInvoiceCallError is returned for invoice calls whose parameters
// can't be read. Those must not reach the node unmodified.
type InvalidInvoiceCallError struct {
	Id  string
	Err error
}

func (err InvalidInvoiceCallError) Error() string {
	return fmt.Sprintf("Invalid invoice call %v: %v", err.Id, err.Err)
}

func (err InvalidInvoiceCallError) Unwrap() error {
	return err.Err
}

type rpcCommand struct {
	Id      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	JsonRpc string          `json:"jsonrpc"`
}

type hookPayload struct {
	RpcCommand *rpcCommand `json:"rpc_command"`
}

type invoiceParams struct {
	AmountMsat  json.RawMessage `json:"amount_msat"`
	Description string          `json:"description"`
	Label       json.RawMessage `json:"label"`
}

// DecodeHookCall decodes an rpc_command hook payload.
func DecodeHookCall(payload []byte) (HookCall, error) {
	var hook hookPayload
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, errors.Errorf("Could not decode hook payload: %v", err)
	}
	if hook.RpcCommand == nil {
		return nil, errors.New("Hook payload has no rpc_command")
	}

	cmd := hook.RpcCommand
	id := rawString(cmd.Id)

	if cmd.Method != "invoice" {
		return OtherCall{Id: id, Method: cmd.Method}, nil
	}

	params, err := decodeInvoiceParams(cmd.Params)
	if err != nil {
		return nil, InvalidInvoiceCallError{Id: id, Err: err}
	}

	call := InvoiceCall{
		Id: id,
		Request: odb.InvoiceRequest{
			Description: params.Description,
			Label:       rawString(params.Label),
		},
	}

	amount, anyAmount, err := ParseAmount(params.AmountMsat)
	if err != nil {
		return nil, InvalidInvoiceCallError{Id: id, Err: err}
	}

	call.Request.AmountMsat = amount
	call.AnyAmount = anyAmount

	return call, nil
}

// decodeInvoiceParams accepts positional (amount, description, label) and
// named parameters.
func decodeInvoiceParams(raw json.RawMessage) (*invoiceParams, error) {
	var params invoiceParams

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var positional []json.RawMessage
		if err := json.Unmarshal(raw, &positional); err != nil {
			return nil, errors.Errorf("Could not decode invoice params: %v", err)
		}
		if len(positional) < 1 {
			return nil, errors.New("Invoice call has no amount")
		}

		params.AmountMsat = positional[0]
		if len(positional) > 1 {
			params.Description = rawString(positional[1])
		}
		if len(positional) > 2 {
			params.Label = positional[2]
		}

		return &params, nil
	}

	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.Errorf("Could not decode invoice params: %v", err)
	}
	if len(params.AmountMsat) == 0 {
		return nil, errors.New("Invoice call has no amount")
	}

	return &params, nil
}

// ParseAmount reads an invoice amount given as a plain number of
// millisatoshis, a string with an msat, sat or btc suffix, or "any".
func ParseAmount(raw json.RawMessage) (lnwire.MilliSatoshi, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, errors.New("Missing amount")
	}

	var number uint64
	if err := json.Unmarshal(raw, &number); err == nil {
		return lnwire.MilliSatoshi(number), false, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, false, errors.Errorf("Invalid amount %s", raw)
	}

	text = strings.TrimSpace(text)
	if text == "any" {
		return 0, true, nil
	}

	if strings.HasSuffix(text, "btc") {
		return parseBtc(strings.TrimSuffix(text, "btc"))
	}

	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(text, "msat"):
		text = strings.TrimSuffix(text, "msat")
	case strings.HasSuffix(text, "sat"):
		text = strings.TrimSuffix(text, "sat")
		multiplier = 1000
	}

	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, false, errors.Errorf("Invalid amount %q", text)
	}
	if value > math.MaxUint64/multiplier {
		return 0, false, errors.Errorf("Amount %q is too large", text)
	}

	return lnwire.MilliSatoshi(value * multiplier), false, nil
}

// parseBtc reads a decimal bitcoin amount that must come out as whole
// millisatoshis.
func parseBtc(text string) (lnwire.MilliSatoshi, bool, error) {
	btc, err := decimal.NewFromString(text)
	if err != nil || btc.IsNegative() {
		return 0, false, errors.Errorf("Invalid amount %vbtc", text)
	}

	msat := btc.Mul(msatPerBtc)
	if !msat.IsInteger() {
		return 0, false, errors.Errorf("Amount %vbtc is not a whole number of millisatoshis", text)
	}
	if msat.GreaterThan(maxMsat) {
		return 0, false, errors.Errorf("Amount %vbtc is too large", text)
	}

	return lnwire.MilliSatoshi(msat.BigInt().Uint64()), false, nil
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}

// HookResponse is the answer to an rpc_command hook.
type HookResponse struct {
	Result string      `json:"result,omitempty"`
	Return *HookReturn `json:"return,omitempty"`
}

type HookReturn struct {
	Result *HookInvoice `json:"result,omitempty"`
	Error  *HookError   `json:"error,omitempty"`
}

type HookInvoice struct {
	Bolt11        string `json:"bolt11"`
	CreatedIndex  uint64 `json:"created_index"`
	ExpiresAt     int64  `json:"expires_at"`
	PaymentHash   string `json:"payment_hash"`
	PaymentSecret string `json:"payment_secret"`
}

type HookError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func continueResponse() *HookResponse {
	return &HookResponse{Result: "continue"}
}

func errorResponse(code int, err error) *HookResponse {
	return &HookResponse{Return: &HookReturn{Error: &HookError{
		Code:    code,
		Message: err.Error(),
	}}}
}

// HandleHook answers an rpc_command hook. Calls other than invoice are
// passed through, invoice calls that can't be read are refused.
func (i *Interceptor) HandleHook(ctx context.Context, payload []byte) *HookResponse {
	call, err := DecodeHookCall(payload)
	if err != nil {
		if invalid, ok := err.(InvalidInvoiceCallError); ok {
			i.logger.Warnf("Refusing invoice call: %v", invalid)
			return errorResponse(errCodeInvalidParams, invalid)
		}

		i.logger.Warnf("Passing through undecodable hook call: %v", err)
		return continueResponse()
	}

	switch call := call.(type) {
	case InvoiceCall:
		if call.AnyAmount {
			i.logger.Debugf("Passing through invoice %v without amount", call.Id)
			return continueResponse()
		}

		decision, err := i.Decide(ctx, call.Request)
		if err != nil {
			switch err.(type) {
			case odb.InsufficientLiquidityError:
				return errorResponse(errCodeInsufficientLiquidity, err)
			case odb.UpstreamUnavailableError:
				return errorResponse(errCodeUpstreamUnavailable, err)
			default:
				i.logger.Errorf("Could not decide on invoice %v: %v", call.Id, err)
				return errorResponse(errCodeInternal, err)
			}
		}

		if decision.Action != Replace {
			return continueResponse()
		}

		return &HookResponse{Return: &HookReturn{Result: &HookInvoice{
			Bolt11:        decision.Invoice.PaymentRequest,
			CreatedIndex:  decision.Invoice.CreatedIndex,
			ExpiresAt:     decision.Invoice.ExpiresAt,
			PaymentHash:   decision.Invoice.PaymentHash,
			PaymentSecret: decision.Invoice.PaymentSecret,
		}}}
	default:
		return continueResponse()
	}
}
