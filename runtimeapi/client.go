// Package runtimeapi is a client for the AWS Lambda Runtime API used by the
// custom runtime in cmd/bootstrap.
//
// Environment Variables:
//
//	AWS_LAMBDA_RUNTIME_API - Required. Set automatically by Lambda runtime.
package runtimeapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// runtimeAPIPrefix is the Runtime API path prefix.
const runtimeAPIPrefix = "/2018-06-01/runtime"

// Invocation metadata headers.
const (
	// Example: "8476a536-e9f4-11e8-9739-2dfe598c3fcd"
	headerAWSRequestID = "Lambda-Runtime-Aws-Request-Id"

	// Unix milliseconds. Example: "1542409706888"
	headerDeadlineMS = "Lambda-Runtime-Deadline-Ms"

	// Example: "Root=1-5bef4de7-ad49b0e87f6ef6c87fc2e700;Parent=9a9197af755a6419;Sampled=1"
	headerTraceID = "Lambda-Runtime-Trace-Id"

	// Example: "arn:aws:lambda:us-east-2:123456789012:function:my-function"
	headerInvokedFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"

	// Payloads larger than this are read without preallocation.
	maxPreallocPayload = 6 << 20
)

// RuntimeAPI is the set of Runtime API operations the event loop needs.
type RuntimeAPI interface {
	// Next blocks until an invocation is available or ctx is canceled.
	Next(ctx context.Context) (*Invocation, error)

	// Response posts the JSON result of an invocation.
	Response(ctx context.Context, requestID string, payload []byte) error

	// Error posts a JSON error body for an invocation.
	Error(ctx context.Context, requestID string, errBody []byte) error

	// InitError reports a failed cold start. Lambda terminates the runtime afterwards.
	InitError(ctx context.Context, errBody []byte) error
}

// lambdaTransport talks to the local Runtime API endpoint: no proxy,
// plain HTTP/1.1, no compression and long-lived idle connections.
var lambdaTransport = &http.Transport{
	Proxy:               nil,
	MaxIdleConns:        16,
	MaxIdleConnsPerHost: 16,
	IdleConnTimeout:     120 * time.Second,
	DisableCompression:  true,
	ForceAttemptHTTP2:   false,
	DialContext: (&net.Dialer{
		Timeout:   1 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ExpectContinueTimeout: 0,
}

var (
	// nextClient long-polls /invocation/next, so it has no timeout.
	nextClient = &http.Client{Transport: lambdaTransport, Timeout: 0}
	postClient = &http.Client{Transport: lambdaTransport, Timeout: 5 * time.Second}
)

// Client implements RuntimeAPI over HTTP.
type Client struct {
	nextURL    string
	initErrURL string
	invoPrefix string

	next *http.Client
	post *http.Client
}

var _ RuntimeAPI = (*Client)(nil)

// NewClient builds a client from AWS_LAMBDA_RUNTIME_API.
func NewClient() (*Client, error) {
	host := os.Getenv("AWS_LAMBDA_RUNTIME_API")
	if host == "" {
		return nil, errors.New("AWS_LAMBDA_RUNTIME_API environment variable not set")
	}
	return NewClientForHost(host), nil
}

// NewClientForHost builds a client for host ("127.0.0.1:9001").
func NewClientForHost(host string) *Client {
	baseURL := "http://" + host + runtimeAPIPrefix
	return &Client{
		nextURL:    baseURL + "/invocation/next",
		initErrURL: baseURL + "/init/error",
		invoPrefix: baseURL + "/invocation/",
		next:       nextClient,
		post:       postClient,
	}
}

// Invocation is one event received from /invocation/next.
type Invocation struct {
	// RequestID must be echoed when posting the response or error.
	RequestID          string
	InvokedFunctionArn string

	// Deadline is when Lambda terminates the invocation.
	Deadline time.Time
	TraceID  string

	// Payload is the raw JSON event.
	Payload []byte
	Headers http.Header
}

// drainAndClose fully reads the body so the connection can be reused.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.Copy(io.Discard, b)
	_ = b.Close()
}

// parseDeadline converts the Unix-millisecond deadline header. It returns
// the zero time when the header is missing or malformed.
func parseDeadline(h http.Header) time.Time {
	if msStr := h.Get(headerDeadlineMS); msStr != "" {
		if ms, err := strconv.ParseInt(msStr, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

func parseInvocation(resp *http.Response) (*Invocation, error) {
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("invocation/next failed: %s: %s", resp.Status, string(body))
	}

	var payload []byte
	if resp.ContentLength > 0 && resp.ContentLength <= maxPreallocPayload {
		bb := bytes.NewBuffer(make([]byte, 0, resp.ContentLength))
		if _, err := bb.ReadFrom(io.LimitReader(resp.Body, resp.ContentLength)); err != nil {
			return nil, fmt.Errorf("failed to read invocation payload: %w", err)
		}
		payload = bb.Bytes()
	} else {
		var err error
		if payload, err = io.ReadAll(resp.Body); err != nil {
			return nil, fmt.Errorf("failed to read invocation payload: %w", err)
		}
	}

	h := resp.Header
	return &Invocation{
		RequestID:          h.Get(headerAWSRequestID),
		InvokedFunctionArn: h.Get(headerInvokedFunctionARN),
		Deadline:           parseDeadline(h),
		TraceID:            h.Get(headerTraceID),
		Payload:            payload,
		Headers:            h.Clone(),
	}, nil
}

// Next retrieves the next invocation, blocking until one is available.
func (c *Client) Next(ctx context.Context) (*Invocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nextURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.next.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get next invocation: %w", err)
	}
	return parseInvocation(resp)
}

func (c *Client) Response(ctx context.Context, requestID string, payload []byte) error {
	if requestID == "" {
		return errors.New("requestID cannot be empty")
	}
	return c.postCommon(ctx, c.invoPrefix+requestID+"/response", payload)
}

func (c *Client) Error(ctx context.Context, requestID string, errBody []byte) error {
	if requestID == "" {
		return errors.New("requestID cannot be empty")
	}
	return c.postCommon(ctx, c.invoPrefix+requestID+"/error", errBody)
}

func (c *Client) InitError(ctx context.Context, errBody []byte) error {
	return c.postCommon(ctx, c.initErrURL, errBody)
}

// postCommon posts body with an explicit Content-Length to avoid chunked encoding.
func (c *Client) postCommon(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.ContentLength = int64(len(body))

	resp, err := c.post.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s failed: %s: %s", url, resp.Status, string(b))
	}
	return nil
}
