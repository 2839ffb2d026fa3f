package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/types"
)

// DefaultAgentPort is used when a node registered without one
const DefaultAgentPort = 7070

// Transport delivers a command to a node agent
type Transport interface {
	Send(node types.Node, cmd types.PendingCommand) error
}

// HTTPTransport posts commands to the node agent's HTTP endpoint, retrying
// transient failures with exponential backoff. 4xx responses are treated as
// permanent.
type HTTPTransport struct {
	client   *http.Client
	maxTries uint
	logger   zerolog.Logger
}

// NewHTTPTransport creates a transport with sane timeouts
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: 10 * time.Second},
		maxTries: 3,
		logger:   log.WithComponent("command-transport"),
	}
}

// Send delivers one command to the node agent
func (t *HTTPTransport) Send(node types.Node, cmd types.PendingCommand) error {
	port := node.AgentPort
	if port == 0 {
		port = DefaultAgentPort
	}
	url := fmt.Sprintf("http://%s:%d/v1/commands", node.PublicIP, port)

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", cmd.ID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return struct{}{}, backoff.Permanent(fmt.Errorf("node agent rejected command: %s", resp.Status))
		default:
			return struct{}{}, fmt.Errorf("node agent returned %s", resp.Status)
		}
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(t.maxTries),
	)
	if err != nil {
		return fmt.Errorf("send %s to node %s: %w", cmd.Type, node.ID, err)
	}

	t.logger.Debug().Str("command_id", cmd.ID).Str("node_id", node.ID).Msg("command delivered")
	return nil
}
