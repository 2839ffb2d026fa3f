package api

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stratomesh/strato/pkg/events"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

type registerNodeRequest struct {
	ID            string             `json:"id"`
	WalletAddress string             `json:"wallet_address"`
	Capacity      types.NodeCapacity `json:"capacity" binding:"required"`
	Pricing       *types.NodePricing `json:"pricing"`
	PublicIP      string             `json:"public_ip"`
	AgentPort     int                `json:"agent_port"`
	Region        string             `json:"region"`
	Zone          string             `json:"zone"`
	Tags          []string           `json:"tags"`
}

type heartbeatRequest struct {
	RunningVMIDs []string `json:"running_vm_ids"`
}

type ackRequest struct {
	OK      bool              `json:"ok"`
	Reason  string            `json:"reason"`
	Payload map[string]string `json:"payload"`
}

type attestationResponseRequest struct {
	Nonce      string  `json:"nonce" binding:"required"`
	Signature  string  `json:"signature"`
	ResponseMS float64 `json:"response_ms"`
}

// requireNodeID enforces that a node principal only speaks for itself
func (s *Server) requireNodeID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	p := principal(c)
	if p.Kind == KindNode && p.ID != id {
		failWith(c, 403, CodeForbidden, "node token does not match node id")
		return "", false
	}
	return id, true
}

func (s *Server) handleListNodes(c *gin.Context) {
	respond(c, 200, s.store.ListNodes())
}

func (s *Server) handleGetNode(c *gin.Context) {
	node, ok := s.store.GetNode(c.Param("id"))
	if !ok {
		failWith(c, 404, CodeNodeNotFound, "node not found")
		return
	}
	respond(c, 200, node)
}

func (s *Server) handleRegisterNode(c *gin.Context) {
	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, 400, CodeValidation, err.Error())
		return
	}
	if req.Capacity.CPUCores <= 0 || req.Capacity.MemoryMB <= 0 || req.Capacity.DiskGB <= 0 {
		failWith(c, 400, CodeValidation, "capacity requires positive cpu_cores, memory_mb and disk_gb")
		return
	}

	p := principal(c)
	id := p.ID
	if p.Kind == KindAdmin && req.ID != "" {
		id = req.ID
	}

	now := s.clock.Now()
	node, exists := s.store.GetNode(id)
	if !exists {
		node = types.Node{
			ID:           id,
			RegisteredAt: now,
			// a new node starts with a clean slate until real history accrues
			Reputation: types.Reputation{UptimePct: 100},
		}
	}
	node.WalletAddress = req.WalletAddress
	node.Capacity = req.Capacity
	node.Pricing = req.Pricing
	node.PublicIP = req.PublicIP
	node.AgentPort = req.AgentPort
	node.Region = req.Region
	node.Zone = req.Zone
	node.Tags = req.Tags
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = now
	s.store.UpsertNode(node)

	if !exists {
		s.store.AppendEvent(types.Event{
			Kind:      types.EventKindNodeStatus,
			SubjectID: id,
			NodeID:    id,
			Message:   fmt.Sprintf("node registered (%d cpu, %d MB, %d GB)", req.Capacity.CPUCores, req.Capacity.MemoryMB, req.Capacity.DiskGB),
			Severity:  types.SeverityInfo,
		})
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:     events.EventNodeRegistered,
				Message:  fmt.Sprintf("node %s registered", id),
				Metadata: map[string]string{"node_id": id},
			})
		}
	}

	respond(c, 201, node)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	id, ok := s.requireNodeID(c)
	if !ok {
		return
	}

	// telemetry body is optional
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.health.Heartbeat(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			failWith(c, 404, CodeNodeNotFound, "node not found")
			return
		}
		failWith(c, 500, CodeInternal, err.Error())
		return
	}
	respond(c, 200, gin.H{"status": string(types.NodeStatusOnline)})
}

func (s *Server) handleCommandAck(c *gin.Context) {
	id, ok := s.requireNodeID(c)
	if !ok {
		return
	}
	cmdID := c.Param("cmd_id")

	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, 400, CodeValidation, err.Error())
		return
	}

	cmd, found := s.store.GetPendingCommand(cmdID)
	if found && cmd.NodeID != id {
		failWith(c, 403, CodeForbidden, "command belongs to another node")
		return
	}

	// a successful create carries the provisioned network configuration;
	// apply it before the terminal callback fires
	if found && req.OK && cmd.Type == types.CommandCreateVM && cmd.TargetResourceID != "" {
		if network := networkFromPayload(req.Payload); network != nil {
			if err := s.store.UpdateVM(cmd.TargetResourceID, func(v *types.VM) error {
				v.Network = network
				return nil
			}); err != nil {
				s.logger.Warn().Err(err).Str("vm_id", cmd.TargetResourceID).Msg("network config update failed")
			}
		}
	}

	_, acked := s.bus.Ack(cmdID, req.OK, req.Reason)
	respond(c, 200, gin.H{"acked": acked})
}

func (s *Server) handleAttestationResponse(c *gin.Context) {
	if _, ok := s.requireNodeID(c); !ok {
		return
	}
	cmdID := c.Param("cmd_id")

	var req attestationResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, 400, CodeValidation, err.Error())
		return
	}

	if err := s.attestation.HandleResponse(cmdID, req.Nonce, req.Signature, req.ResponseMS); err != nil {
		failWith(c, 404, CodeTimeout, "unknown or expired challenge")
		return
	}
	respond(c, 200, gin.H{"received": true})
}

func networkFromPayload(payload map[string]string) *types.NetworkConfig {
	if payload == nil || payload["private_ip"] == "" {
		return nil
	}
	sshJumpPort, _ := strconv.Atoi(payload["ssh_jump_port"])
	agentPort, _ := strconv.Atoi(payload["node_agent_port"])
	return &types.NetworkConfig{
		PrivateIP:     payload["private_ip"],
		Hostname:      payload["hostname"],
		SSHJumpHost:   payload["ssh_jump_host"],
		SSHJumpPort:   sshJumpPort,
		NodeAgentHost: payload["node_agent_host"],
		NodeAgentPort: agentPort,
	}
}
