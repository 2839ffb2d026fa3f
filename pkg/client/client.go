package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stratomesh/strato/pkg/types"
)

// Client talks to the orchestrator API on behalf of the CLI
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates an API client
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// CreateVMRequest is the create payload
type CreateVMRequest struct {
	Name   string       `json:"name"`
	Type   types.VMType `json:"vm_type,omitempty"`
	Spec   types.VMSpec `json:"spec"`
	NodeID string       `json:"node_id,omitempty"`
	Region string       `json:"region,omitempty"`
	Zone   string       `json:"zone,omitempty"`
}

// CreateVMResult carries the one-time credential back to the caller
type CreateVMResult struct {
	VMID              string `json:"vm_id"`
	GeneratedPassword string `json:"generated_password"`
}

// Stats is the system-wide counters snapshot
type Stats struct {
	NodesTotal        int   `json:"nodes_total"`
	NodesOnline       int   `json:"nodes_online"`
	VMsTotal          int   `json:"vms_total"`
	VMsRunning        int   `json:"vms_running"`
	AvailableCPU      int   `json:"available_cpu"`
	AvailableMemoryMB int64 `json:"available_memory_mb"`
}

// ListVMs returns the caller's active VMs
func (c *Client) ListVMs(ctx context.Context) ([]types.VM, error) {
	var vms []types.VM
	err := c.call(ctx, http.MethodGet, "/api/vms", nil, &vms)
	return vms, err
}

// GetVM returns one VM
func (c *Client) GetVM(ctx context.Context, id string) (types.VM, error) {
	var vm types.VM
	err := c.call(ctx, http.MethodGet, "/api/vms/"+id, nil, &vm)
	return vm, err
}

// CreateVM creates and schedules a VM
func (c *Client) CreateVM(ctx context.Context, req CreateVMRequest) (CreateVMResult, error) {
	var res CreateVMResult
	err := c.call(ctx, http.MethodPost, "/api/vms", req, &res)
	return res, err
}

// VMAction starts or stops a VM; action is "Start" or "Stop"
func (c *Client) VMAction(ctx context.Context, id, action string) error {
	return c.call(ctx, http.MethodPost, "/api/vms/"+id+"/action", map[string]string{"action": action}, nil)
}

// DeleteVM requests deletion
func (c *Client) DeleteVM(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/vms/"+id, nil, nil)
}

// AttestationStatus returns a VM's liveness bookkeeping
func (c *Client) AttestationStatus(ctx context.Context, id string) (types.LivenessState, error) {
	var ls types.LivenessState
	err := c.call(ctx, http.MethodGet, "/api/attestation/vms/"+id+"/status", nil, &ls)
	return ls, err
}

// ListNodes returns all nodes
func (c *Client) ListNodes(ctx context.Context) ([]types.Node, error) {
	var nodes []types.Node
	err := c.call(ctx, http.MethodGet, "/api/nodes", nil, &nodes)
	return nodes, err
}

// GetStats returns system-wide counters
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.call(ctx, http.MethodGet, "/api/system/stats", nil, &st)
	return st, err
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if !env.Success {
		return &APIError{Code: env.ErrorCode, Message: env.Message, Status: resp.StatusCode}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// APIError is a structured error returned by the orchestrator
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
