package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/dgtps/internal/config"
)

// NodeInfo describes one process's transport endpoints and role within the
// ring, the registration protocol's wire type. Workers register with
// Rank = -1; servers register the rank the postoffice should bind them to.
type NodeInfo struct {
	NodeID int      `json:"node_id"`
	Rank   int      `json:"rank"`
	TCP    string   `json:"tcp"`
	UDP    []string `json:"udp"`
}

// RegisterRequest is the body a worker or server posts to the postoffice's
// /register endpoint on startup.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// NodeList is the body the postoffice's /nodes endpoint returns: every
// node currently registered, for peer discovery (component A3).
type NodeList struct {
	Nodes []NodeInfo `json:"nodes"`
}

// httpClient's timeout is configurable because registration and topology
// polls run against a postoffice that may itself be under load from a large
// ring registering at once; the teacher's fixed 5s value becomes a floor
// default instead of a hardcoded constant.
var httpClient = &http.Client{
	Timeout: time.Duration(config.GetenvInt("CLUSTER_HTTP_TIMEOUT_SECONDS", 5)) * time.Second,
}

// errBodyLimit bounds how much of a non-2xx response body gets folded into
// the returned error; postoffice error responses are short plain-text
// messages, not large payloads, so this is generous headroom rather than a
// real cap.
const errBodyLimit = 4096

// PostJSON marshals body, POSTs it to url, and decodes the response into
// out (if non-nil). A non-2xx response's body is read and folded into the
// returned error, since the postoffice's failure responses carry the
// actual reason (missing node ID, invalid rank) a caller's retry
// loop needs to log.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("cluster: marshal POST body for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("cluster: build POST request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cluster: POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return fmt.Errorf("cluster: POST %s: http %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cluster: decode POST %s response: %w", url, err)
	}
	return nil
}

// GetJSON issues a GET against url and decodes the response into out, with
// the same body-on-error and timeout handling as PostJSON.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("cluster: build GET request for %s: %w", url, err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cluster: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return fmt.Errorf("cluster: GET %s: http %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cluster: decode GET %s response: %w", url, err)
	}
	return nil
}
