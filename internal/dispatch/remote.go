package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	logx "rollout/pkg/logx"
)

// APIRoot prefixes every procedure route: <APIRoot>/<module>/<procedure>.
const APIRoot = "/api"

func callPath(module, procedure string) string {
	return APIRoot + "/" + url.PathEscape(module) + "/" + url.PathEscape(procedure)
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// remote sends req to the server and decodes a successful response into out.
// Nothing is retried.
func (d *Dispatcher) remote(ctx context.Context, req Request, out any) (err error) {
	key := req.key()
	target := d.Path(d.cfg.Layer) + callPath(req.Module, req.Procedure)

	start := time.Now()
	defer func() {
		d.observe(key, "remote", outcome(err), time.Since(start))
	}()

	fail := func(status int, cause error) error {
		return &RemoteCallError{Module: req.Module, Procedure: req.Procedure, URL: target, Status: status, Err: cause}
	}

	input, err := req.Input.wire()
	if err != nil {
		return fail(0, err)
	}
	body, err := json.Marshal(input)
	if err != nil {
		return fail(0, fmt.Errorf("encode input: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fail(0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		d.log.Warn("remote call failed", logx.String("procedure", key.String()), logx.String("url", target), logx.Err(err))
		return fail(0, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode/100 != 2 {
		rerr := &RemoteCallError{Module: req.Module, Procedure: req.Procedure, URL: target, Status: resp.StatusCode}
		var ep errorPayload
		if json.Unmarshal(payload, &ep) == nil && ep.Error != "" {
			rerr.Kind = ep.Kind
			rerr.Message = ep.Error
		} else {
			rerr.Message = http.StatusText(resp.StatusCode)
		}
		if s := d.sentinel(rerr.Kind); s != nil {
			rerr.Err = s
		} else {
			rerr.Err = errors.New(rerr.Message)
		}
		return rerr
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
