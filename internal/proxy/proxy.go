// Package proxy streams inference responses from a selected backend to the
// client. It meters time-to-first-token, enforces split connection and
// activity timeouts, and can keep listening to a slow upstream in the
// background after the client-facing deadline fired so the adaptive timeout
// layer learns real completion times.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/upstream"
)

const maxErrorBody = 32 * 1024

// Hop-by-hop headers are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config tunes the proxy transport and streaming behavior.
type Config struct {
	BufferSize       int
	BackgroundListen time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Timeouts are the per-attempt deadlines, both derived from the adaptive
// timeout manager. Connection bounds time to response headers; Activity
// bounds the gap between body chunks.
type Timeouts struct {
	Connection time.Duration
	Activity   time.Duration
}

// Request is one buffered, retryable upstream attempt. The body is held in
// memory so a failover can replay it against another backend.
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	BaseURL   string
	APIKey    string
	Streaming bool

	// OnBackground, when set, is invoked from the background drainer with
	// the upstream's true duration after a client-facing activity timeout.
	OnBackground func(total time.Duration, completed bool)
}

// Result reports what one attempt did, in enough detail for the caller to
// decide between retry, failover, and giving up.
type Result struct {
	Status          int
	WroteHeader     bool
	TTFT            time.Duration
	Duration        time.Duration
	BytesOut        int64
	EvalCount       int64
	PromptEvalCount int64
	Completed       bool
	TimedOut        bool
	ConnTimedOut    bool
	ClientGone      bool
	HandedOff       bool
	Err             error
}

// Retryable reports whether another backend may still serve this request:
// nothing reached the client and the attempt did not die because the client
// went away.
func (r Result) Retryable() bool {
	return !r.WroteHeader && !r.ClientGone
}

// Proxy forwards requests to backends. Safe for concurrent use.
type Proxy struct {
	client           *http.Client
	bufSize          int
	backgroundListen time.Duration
}

// New creates a proxy with its own transport. Compression is disabled so
// response chunks pass through byte-for-byte.
func New(cfg Config) *Proxy {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 32
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
	}
	return &Proxy{
		client:           &http.Client{Transport: transport},
		bufSize:          cfg.BufferSize,
		backgroundListen: cfg.BackgroundListen,
	}
}

// Forward runs one upstream attempt and streams the response to w.
//
// The upstream request context is detached from the inbound one: the
// handler returning must not kill a background drain. A monitor goroutine
// re-couples them for the normal case, cancelling upstream as soon as the
// client goes away.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, req Request, to Timeouts) Result {
	start := time.Now()
	res := Result{}

	upCtx, cancelUp := context.WithCancel(context.WithoutCancel(ctx))
	var handedOff atomic.Bool
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if !handedOff.Load() {
				cancelUp()
			}
		case <-finished:
		}
	}()
	defer close(finished)

	httpReq, err := p.buildRequest(upCtx, req)
	if err != nil {
		cancelUp()
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	var connTimedOut atomic.Bool
	connTimer := time.AfterFunc(to.Connection, func() {
		connTimedOut.Store(true)
		cancelUp()
	})
	resp, err := p.client.Do(httpReq)
	connTimer.Stop()
	if err != nil {
		cancelUp()
		res.Duration = time.Since(start)
		switch {
		case connTimedOut.Load():
			res.TimedOut = true
			res.ConnTimedOut = true
			res.Err = fmt.Errorf("no response within %s: %w", to.Connection, err)
		case ctx.Err() != nil:
			res.ClientGone = true
			res.Err = ctx.Err()
		default:
			res.Err = err
		}
		return res
	}

	res.Status = resp.StatusCode
	if resp.StatusCode >= 400 {
		defer cancelUp()
		defer resp.Body.Close()
		ar := newActivityReader(resp.Body, to.Activity, 4096)
		body, _ := io.ReadAll(io.LimitReader(ar, maxErrorBody))
		res.Err = &upstream.Error{Status: resp.StatusCode, Message: upstream.ParseErrorBody(body)}
		res.Duration = time.Since(start)
		return res
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	res.WroteHeader = true
	flusher, _ := w.(http.Flusher)
	if req.Streaming && flusher != nil {
		flusher.Flush()
	}

	reader := newActivityReader(resp.Body, to.Activity, p.bufSize)
	br := bufio.NewReaderSize(reader, p.bufSize)
	scanner := &chunkScanner{}

	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			if scanner.scan(line) && res.TTFT == 0 {
				res.TTFT = time.Since(start)
			}
			n, writeErr := w.Write(line)
			res.BytesOut += int64(n)
			if writeErr != nil {
				cancelUp()
				resp.Body.Close()
				res.ClientGone = true
				res.Err = fmt.Errorf("writing to client: %w", writeErr)
				break
			}
			if req.Streaming && flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == nil {
			continue
		}
		if readErr == io.EOF {
			cancelUp()
			resp.Body.Close()
			res.Completed = true
			break
		}
		if readErr == errActivityTimeout {
			res.TimedOut = true
			res.Err = fmt.Errorf("stream stalled for %s", to.Activity)
			if req.OnBackground != nil && p.backgroundListen > 0 {
				handedOff.Store(true)
				res.HandedOff = true
				go p.drainBackground(reader, resp.Body, cancelUp, start, req.OnBackground)
			} else {
				cancelUp()
				resp.Body.Close()
			}
			break
		}
		cancelUp()
		resp.Body.Close()
		if ctx.Err() != nil {
			res.ClientGone = true
		}
		res.Err = readErr
		break
	}

	res.EvalCount = scanner.evalCount
	res.PromptEvalCount = scanner.promptEvalCount
	if scanner.done {
		res.Completed = true
	}
	res.Duration = time.Since(start)
	return res
}

// drainBackground keeps consuming the upstream body after the client-facing
// deadline fired, bounded by the background listen window, and reports the
// true completion time.
func (p *Proxy) drainBackground(reader *activityReader, body io.Closer, cancel context.CancelFunc, start time.Time, report func(time.Duration, bool)) {
	defer cancel()
	defer body.Close()

	reader.setTimeout(0)
	overall := time.AfterFunc(p.backgroundListen, cancel)
	defer overall.Stop()

	buf := make([]byte, 16*1024)
	completed := false
	for {
		_, err := reader.Read(buf)
		if err == io.EOF {
			completed = true
			break
		}
		if err != nil {
			break
		}
	}
	total := time.Since(start)
	logging.Debug("background drain finished",
		zap.Duration("total", total),
		zap.Bool("completed", completed))
	report(total, completed)
}

func (p *Proxy) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := req.BaseURL + req.Path
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	copyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Authorization")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.ContentLength = int64(len(req.Body))
	return httpReq, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
