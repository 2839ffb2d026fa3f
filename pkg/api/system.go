package api

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/stratomesh/strato/pkg/types"
)

func (s *Server) handleStats(c *gin.Context) {
	nodes := s.store.ListNodes()
	var online int
	var availCPU int
	var availMem int64
	for _, node := range nodes {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		online++
		cpu, mem, _ := s.store.Allocation(node.ID)
		availCPU += node.Capacity.CPUCores - cpu
		availMem += node.Capacity.MemoryMB - mem
	}

	vms := s.store.ActiveVMs()
	var running int
	for _, vm := range vms {
		if vm.Status == types.VMStatusRunning {
			running++
		}
	}

	respond(c, 200, gin.H{
		"nodes_total":         len(nodes),
		"nodes_online":        online,
		"vms_total":           len(vms),
		"vms_running":         running,
		"available_cpu":       availCPU,
		"available_memory_mb": availMem,
	})
}

// handleEventStream pushes broker events to the client as NDJSON until the
// connection drops.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.broker == nil {
		failWith(c, 500, CodeInternal, "event streaming disabled")
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.WriteHeader(200)
	c.Writer.Flush()

	enc := json.NewEncoder(c.Writer)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
