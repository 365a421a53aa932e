// Package ledger шлюз к внешнему леджеру: JSON-RPC клиент и симулятор в памяти.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

const (
	methodIssueDepositAddress = "ledger_issueDepositAddress"
	methodGetBalance          = "ledger_getBalance"
	methodTransfer            = "ledger_transfer"
	methodLookupTransfer      = "ledger_lookupTransfer"
)

// Коды ошибок JSON-RPC, которыми леджер отклоняет операцию.
const (
	rpcCodeInsufficientFunds = -32010
	rpcCodeRejected          = -32011
)

// Observer получает длительность и исход каждого вызова.
type Observer interface {
	ObserveLedgerCall(method string, err error, duration time.Duration)
}

// RPCClient реализует шлюз поверх JSON-RPC леджера.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
	observer  Observer
}

func NewRPCClient(baseURL, authToken string, timeout time.Duration, observer Observer) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
		observer: observer,
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError ошибка, которую вернул сам леджер.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) IssueDepositAddress(ctx context.Context, bookingID uuid.UUID, expected valueobject.Amount) (string, error) {
	params := map[string]string{
		"bookingId": bookingID.String(),
		"expected":  ToTokenString(expected),
	}
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, methodIssueDepositAddress, []interface{}{params}, &result); err != nil {
		return "", err
	}
	if result.Address == "" {
		return "", apperror.LedgerError(nil, "леджер вернул пустой адрес депозита")
	}
	return result.Address, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, address string) (valueobject.Amount, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, methodGetBalance, []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return 0, err
	}
	amount, err := FromTokenString(result.Balance)
	if err != nil {
		return 0, apperror.LedgerError(err, "некорректный баланс от леджера")
	}
	return amount, nil
}

func (c *RPCClient) Transfer(ctx context.Context, req entity.TransferRequest) (string, error) {
	params := map[string]string{
		"from":           req.From,
		"to":             req.To,
		"amount":         ToTokenString(req.Amount),
		"idempotencyKey": req.IdempotencyKey,
	}
	var result struct {
		TxRef string `json:"txRef"`
	}
	if err := c.call(ctx, methodTransfer, []interface{}{params}, &result); err != nil {
		return "", err
	}
	if result.TxRef == "" {
		return "", apperror.LedgerError(nil, "леджер вернул пустую ссылку на перевод")
	}
	return result.TxRef, nil
}

func (c *RPCClient) LookupTransfer(ctx context.Context, idempotencyKey string) (string, bool, error) {
	var result struct {
		Found bool   `json:"found"`
		TxRef string `json:"txRef"`
	}
	if err := c.call(ctx, methodLookupTransfer, []interface{}{map[string]string{"idempotencyKey": idempotencyKey}}, &result); err != nil {
		return "", false, err
	}
	return result.TxRef, result.Found, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) (err error) {
	started := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveLedgerCall(method, err, time.Since(started))
		}
	}()

	if err := c.do(ctx, method, params, out); err != nil {
		return classify(method, err)
	}
	return nil
}

func (c *RPCClient) do(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode ledger result: %w", err)
	}
	return nil
}

// classify переводит ошибку в таксономию приложения: явный отказ леджера
// становится PAYMENT_FAILED или INSUFFICIENT_FUNDS, всё остальное LEDGER_ERROR.
func classify(method string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcCodeInsufficientFunds:
			return apperror.Wrap(err, apperror.ErrCodeInsufficientFunds, "недостаточно средств на счёте депозита")
		case rpcCodeRejected:
			return apperror.Wrap(err, apperror.ErrCodePaymentFailed, "леджер отклонил перевод")
		}
	}
	return apperror.LedgerError(err, fmt.Sprintf("ошибка вызова леджера %s", method))
}
