package sefaz

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/infrastructure/config"
	"go.uber.org/zap"
)

const (
	submitPath         = "/nfe/autorizacao"
	receiptQueryPath   = "/nfe/ret-autorizacao"
	situationQueryPath = "/nfe/consulta"
	eventPath          = "/nfe/evento"
)

// UnavailableError marks transport-level failures (connection refused,
// timeout, 5xx). Callers treat these as retryable.
type UnavailableError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sefaz: %s: service unavailable: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying transport error
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// HTTPClient talks to the authority's web service over HTTP, one POST per
// operation, XML envelopes both ways
type HTTPClient struct {
	cfg        config.SefazConfig
	env        int
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a client for the configured environment. tpAmb is 1
// for production and 2 for homologation.
func NewHTTPClient(cfg config.SefazConfig, tpAmb int, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sefaz: base URL is required")
	}
	return &HTTPClient{
		cfg: cfg,
		env: tpAmb,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// SubmitForProcessing sends the signed document and returns the receipt number
func (c *HTTPClient) SubmitForProcessing(ctx context.Context, signedXML []byte) (string, error) {
	envelope := submitEnvelope{
		Version: c.cfg.SchemaVersion,
		BatchID: strconv.FormatInt(time.Now().UnixNano(), 10),
		Async:   0,
		Payload: signedXML,
	}

	respBody, err := c.doRequest(ctx, "submit", submitPath, envelope)
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("sefaz: failed to parse submit response: %w", err)
	}

	if resp.Receipt.Number == "" {
		return "", fmt.Errorf("sefaz: batch not accepted: %d %s", resp.StatusCode, resp.StatusMessage)
	}

	c.logger.Debug("Batch accepted for processing",
		zap.String("receipt", resp.Receipt.Number),
		zap.Int("status_code", resp.StatusCode))

	return resp.Receipt.Number, nil
}

// QueryByReceipt polls the verdict for a submitted batch
func (c *HTTPClient) QueryByReceipt(ctx context.Context, receipt string) (*Result, error) {
	if receipt == "" {
		return nil, fmt.Errorf("sefaz: receipt number is required")
	}

	envelope := receiptQueryEnvelope{
		Version:     c.cfg.SchemaVersion,
		Environment: c.env,
		Receipt:     receipt,
	}

	respBody, err := c.doRequest(ctx, "query-receipt", receiptQueryPath, envelope)
	if err != nil {
		return nil, err
	}

	var resp receiptQueryResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("sefaz: failed to parse receipt query response: %w", err)
	}

	return buildResult(resp.StatusCode, resp.StatusMessage, resp.Protocol, respBody), nil
}

// QueryByAccessKey queries the document's current situation by identity
func (c *HTTPClient) QueryByAccessKey(ctx context.Context, accessKey string) (*Result, error) {
	if len(accessKey) != 44 {
		return nil, fmt.Errorf("sefaz: access key must have 44 digits")
	}

	envelope := situationQueryEnvelope{
		Version:     c.cfg.SchemaVersion,
		Environment: c.env,
		Service:     "CONSULTAR",
		AccessKey:   accessKey,
	}

	respBody, err := c.doRequest(ctx, "query-situation", situationQueryPath, envelope)
	if err != nil {
		return nil, err
	}

	var resp situationQueryResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("sefaz: failed to parse situation query response: %w", err)
	}

	return buildResult(resp.StatusCode, resp.StatusMessage, resp.Protocol, respBody), nil
}

// SubmitCancellation registers a cancellation event
func (c *HTTPClient) SubmitCancellation(ctx context.Context, accessKey, protocol, reason string) (*EventResult, error) {
	if protocol == "" {
		return nil, fmt.Errorf("sefaz: authorization protocol is required for cancellation")
	}

	detail := eventDetail{
		Environment: c.env,
		StateCode:   c.cfg.StateCode,
		AccessKey:   accessKey,
		EventType:   eventTypeCancellation,
		Sequence:    1,
		EventTime:   time.Now().Format(time.RFC3339),
		Description: "Cancelamento",
		Protocol:    protocol,
		Reason:      reason,
	}

	return c.submitEvent(ctx, "cancel", detail)
}

// SubmitCorrectionLetter registers a correction event under the given sequence
func (c *HTTPClient) SubmitCorrectionLetter(ctx context.Context, accessKey string, sequence int, text string) (*EventResult, error) {
	if sequence < 1 {
		return nil, fmt.Errorf("sefaz: event sequence must be positive")
	}

	detail := eventDetail{
		Environment: c.env,
		StateCode:   c.cfg.StateCode,
		AccessKey:   accessKey,
		EventType:   eventTypeCorrection,
		Sequence:    sequence,
		EventTime:   time.Now().Format(time.RFC3339),
		Description: "Carta de Correcao",
		Correction:  text,
	}

	return c.submitEvent(ctx, "correct", detail)
}

func (c *HTTPClient) submitEvent(ctx context.Context, op string, detail eventDetail) (*EventResult, error) {
	envelope := eventEnvelope{
		Version: c.cfg.SchemaVersion,
		BatchID: strconv.FormatInt(time.Now().UnixNano(), 10),
		Event:   detail,
	}

	respBody, err := c.doRequest(ctx, op, eventPath, envelope)
	if err != nil {
		return nil, err
	}

	var resp eventResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("sefaz: failed to parse event response: %w", err)
	}

	return &EventResult{
		StatusCode:    resp.Event.StatusCode,
		StatusMessage: resp.Event.StatusMessage,
		Protocol:      resp.Event.Protocol,
		RawEnvelope:   respBody,
	}, nil
}

// doRequest performs one XML POST round trip. Transport failures and 5xx
// responses come back as UnavailableError so the worker retries them. The
// authority communicates rejections through cStat, not HTTP status, so a 4xx
// means the request itself is malformed; resending it cannot succeed and the
// error is marked permanent.
func (c *HTTPClient) doRequest(ctx context.Context, op, path string, envelope interface{}) ([]byte, error) {
	body, err := xml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("sefaz: %s: failed to marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sefaz: %s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Accept", "application/xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}

	c.logger.Debug("Remote call completed",
		zap.String("op", op),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 500 {
		return nil, &UnavailableError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fiscal.Permanent(fmt.Errorf("sefaz: %s: HTTP %d: %s", op, resp.StatusCode, string(respBody)))
	}

	return respBody, nil
}

func buildResult(statusCode int, statusMessage string, prot *protocolFragment, raw []byte) *Result {
	result := &Result{
		StatusCode:    statusCode,
		StatusMessage: statusMessage,
		RawEnvelope:   raw,
	}
	if prot != nil {
		// The per-document verdict lives in the protocol fragment; the outer
		// cStat only describes the query itself
		if prot.StatusCode != 0 {
			result.StatusCode = prot.StatusCode
			result.StatusMessage = prot.StatusMessage
		}
		result.Protocol = prot.Protocol
		if prot.ReceivedAt != "" {
			if t, err := time.Parse(time.RFC3339, prot.ReceivedAt); err == nil {
				result.ReceivedAt = &t
			}
		}
	}
	return result
}

// Ensure HTTPClient implements the Client interface
var _ Client = (*HTTPClient)(nil)
