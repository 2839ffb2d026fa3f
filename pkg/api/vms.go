package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/stratomesh/strato/pkg/command"
	"github.com/stratomesh/strato/pkg/events"
	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/scheduler"
	"github.com/stratomesh/strato/pkg/store"
	"github.com/stratomesh/strato/pkg/types"
)

type createVMRequest struct {
	Name   string       `json:"name" binding:"required"`
	Type   types.VMType `json:"vm_type"`
	Spec   types.VMSpec `json:"spec" binding:"required"`
	NodeID string       `json:"node_id"`
	Region string       `json:"region"`
	Zone   string       `json:"zone"`
}

type vmActionRequest struct {
	Action string `json:"action" binding:"required"`
}

type securePasswordRequest struct {
	EncryptedPassword string `json:"encrypted_password" binding:"required"`
}

// loadOwnedVM fetches a VM and enforces ownership. It writes the error
// response itself and returns false when the caller must stop.
func (s *Server) loadOwnedVM(c *gin.Context) (types.VM, bool) {
	vm, ok := s.store.GetVM(c.Param("id"))
	if !ok {
		failWith(c, 404, CodeVMNotFound, "vm not found")
		return types.VM{}, false
	}
	p := principal(c)
	if p.Kind != KindAdmin && vm.OwnerID != p.ID {
		failWith(c, 403, CodeForbidden, "not your vm")
		return types.VM{}, false
	}
	return vm, true
}

func (s *Server) handleListVMs(c *gin.Context) {
	p := principal(c)
	f := store.Filter{}
	if p.Kind != KindAdmin {
		f.OwnerID = p.ID
	}
	vms := lo.Filter(s.store.ListVMs(f), func(vm types.VM, _ int) bool {
		return vm.Status.Active()
	})
	respond(c, 200, vms)
}

func (s *Server) handleGetVM(c *gin.Context) {
	vm, ok := s.loadOwnedVM(c)
	if !ok {
		return
	}
	respond(c, 200, vm)
}

func (s *Server) handleCreateVM(c *gin.Context) {
	var req createVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, 400, CodeValidation, err.Error())
		return
	}
	if req.Spec.CPUCores <= 0 || req.Spec.MemoryMB <= 0 || req.Spec.DiskGB <= 0 {
		failWith(c, 400, CodeValidation, "spec requires positive cpu_cores, memory_mb and disk_gb")
		return
	}
	if req.Type == "" {
		req.Type = types.VMTypeGeneral
	}

	password, err := generatePassword()
	if err != nil {
		failWith(c, 500, CodeInternal, "password generation failed")
		return
	}

	now := s.clock.Now()
	vm := types.VM{
		ID:        "vm-" + uuid.New().String(),
		OwnerID:   principal(c).ID,
		Name:      req.Name,
		Type:      req.Type,
		Spec:      req.Spec,
		Status:    types.VMStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.store.UpsertVM(vm)
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventVMCreated,
			Message:  fmt.Sprintf("vm %s created by %s", vm.ID, vm.OwnerID),
			Metadata: map[string]string{"vm_id": vm.ID, "owner_id": vm.OwnerID},
		})
	}

	err = s.scheduler.Schedule(vm.ID, scheduler.Constraints{
		NodeID: req.NodeID,
		Region: req.Region,
		Zone:   req.Zone,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrNoCapacity) {
			failWith(c, 400, CodeNoCapacity, "no node can host this vm")
			return
		}
		failWith(c, 500, CodeInternal, err.Error())
		return
	}

	// the generated password is handed back exactly once and never stored
	respond(c, 201, gin.H{
		"vm_id":              vm.ID,
		"generated_password": password,
	})
}

func (s *Server) handleVMAction(c *gin.Context) {
	vm, ok := s.loadOwnedVM(c)
	if !ok {
		return
	}
	var req vmActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, 400, CodeValidation, err.Error())
		return
	}

	switch req.Action {
	case "Start":
		s.startVM(c, vm)
	case "Stop":
		s.stopVM(c, vm)
	default:
		failWith(c, 400, CodeValidation, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (s *Server) startVM(c *gin.Context, vm types.VM) {
	err := s.lifecycle.Transition(vm.ID, types.VMStatusPending, lifecycle.Context{Source: lifecycle.SourceUserStart})
	if err != nil {
		s.transitionError(c, err)
		return
	}
	if err := s.scheduler.Schedule(vm.ID, scheduler.Constraints{}); err != nil {
		if errors.Is(err, scheduler.ErrNoCapacity) {
			failWith(c, 400, CodeNoCapacity, "no node can host this vm")
			return
		}
		failWith(c, 500, CodeInternal, err.Error())
		return
	}
	updated, _ := s.store.GetVM(vm.ID)
	respond(c, 200, updated)
}

func (s *Server) stopVM(c *gin.Context, vm types.VM) {
	if vm.Status != types.VMStatusRunning {
		failWith(c, 400, CodeVMNotRunning, fmt.Sprintf("vm is %s", vm.Status))
		return
	}
	if err := s.lifecycle.Transition(vm.ID, types.VMStatusStopping, lifecycle.Context{Source: lifecycle.SourceUserStop}); err != nil {
		s.transitionError(c, err)
		return
	}
	if _, err := s.bus.Issue(command.Request{
		Type:   types.CommandStopVM,
		VMID:   vm.ID,
		NodeID: vm.NodeID,
	}, s.onStopTerminal); err != nil {
		failWith(c, 500, CodeInternal, err.Error())
		return
	}
	updated, _ := s.store.GetVM(vm.ID)
	respond(c, 200, updated)
}

func (s *Server) handleDeleteVM(c *gin.Context) {
	vm, ok := s.loadOwnedVM(c)
	if !ok {
		return
	}

	if err := s.lifecycle.Transition(vm.ID, types.VMStatusDeleting, lifecycle.Context{Source: lifecycle.SourceUserDelete}); err != nil {
		s.transitionError(c, err)
		return
	}

	if vm.NodeID == "" {
		// never placed; nothing on any node to tear down
		if err := s.lifecycle.Transition(vm.ID, types.VMStatusDeleted, lifecycle.Context{
			Source: lifecycle.SourceUserDelete,
			Reason: "no node assigned",
		}); err != nil {
			s.transitionError(c, err)
			return
		}
	} else {
		if _, err := s.bus.Issue(command.Request{
			Type:   types.CommandDeleteVM,
			VMID:   vm.ID,
			NodeID: vm.NodeID,
		}, s.onDeleteTerminal); err != nil {
			failWith(c, 500, CodeInternal, err.Error())
			return
		}
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventVMDeleted,
			Message:  fmt.Sprintf("vm %s deletion requested", vm.ID),
			Metadata: map[string]string{"vm_id": vm.ID},
		})
	}
	updated, _ := s.store.GetVM(vm.ID)
	respond(c, 200, updated)
}

func (s *Server) handleStorePassword(c *gin.Context) {
	vm, ok := s.loadOwnedVM(c)
	if !ok {
		return
	}
	var req securePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, 400, CodeValidation, err.Error())
		return
	}
	if err := s.store.UpdateVM(vm.ID, func(v *types.VM) error {
		v.EncryptedPassword = req.EncryptedPassword
		return nil
	}); err != nil {
		failWith(c, 500, CodeInternal, err.Error())
		return
	}
	respond(c, 200, gin.H{"stored": true})
}

func (s *Server) handleFetchPassword(c *gin.Context) {
	vm, ok := s.loadOwnedVM(c)
	if !ok {
		return
	}
	respond(c, 200, gin.H{"encrypted_password": vm.EncryptedPassword})
}

func (s *Server) handleAttestationStatus(c *gin.Context) {
	vm, ok := s.loadOwnedVM(c)
	if !ok {
		return
	}
	ls, ok := s.store.GetLiveness(vm.ID)
	if !ok {
		ls = types.LivenessState{VMID: vm.ID}
	}
	respond(c, 200, ls)
}

func (s *Server) handleAttestationVerify(c *gin.Context) {
	vm, ok := s.loadOwnedVM(c)
	if !ok {
		return
	}

	// the node gets the full response window plus margin for the sweep
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.attestation.Window()+5*time.Second)
	defer cancel()

	out, err := s.attestation.VerifyNow(ctx, vm.ID)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			failWith(c, 500, CodeTimeout, "verification did not resolve in time")
		case errors.Is(err, store.ErrNotFound):
			failWith(c, 404, CodeVMNotFound, "vm not found")
		default:
			failWith(c, 400, CodeVMNotRunning, err.Error())
		}
		return
	}
	respond(c, 200, gin.H{
		"passed":      out.Passed,
		"reason":      out.Reason,
		"response_ms": out.ResponseMS,
	})
}

// onStopTerminal resolves a stop command. The bus routes timeouts for
// Provisioning and Deleting VMs only, so a stuck Stopping VM errors here.
func (s *Server) onStopTerminal(cmd types.PendingCommand, res command.Result) {
	switch res.Status {
	case command.TerminalOK:
		s.mustTransition(cmd.TargetResourceID, types.VMStatusStopped, lifecycle.Context{Source: lifecycle.SourceNodeAckStopOK})
	case command.TerminalFail:
		s.mustTransition(cmd.TargetResourceID, types.VMStatusError, lifecycle.Context{
			Source: lifecycle.SourceNodeAckFail,
			Reason: res.Reason,
		})
	case command.TerminalTimeout:
		s.mustTransition(cmd.TargetResourceID, types.VMStatusError, lifecycle.Timeout(cmd.Type, res.Reason))
	}
}

// onDeleteTerminal resolves a delete command; timeouts are handled by the
// bus itself since the VM sits in Deleting.
func (s *Server) onDeleteTerminal(cmd types.PendingCommand, res command.Result) {
	switch res.Status {
	case command.TerminalOK:
		s.mustTransition(cmd.TargetResourceID, types.VMStatusDeleted, lifecycle.Context{Source: lifecycle.SourceNodeAckDeleteOK})
	case command.TerminalFail:
		s.mustTransition(cmd.TargetResourceID, types.VMStatusError, lifecycle.Context{
			Source: lifecycle.SourceNodeAckFail,
			Reason: res.Reason,
		})
	}
}

func (s *Server) mustTransition(vmID string, to types.VMStatus, ctx lifecycle.Context) {
	if err := s.lifecycle.Transition(vmID, to, ctx); err != nil {
		s.logger.Debug().Err(err).Str("vm_id", vmID).Str("to", string(to)).Msg("ack transition dropped")
	}
}

func (s *Server) transitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		failWith(c, 409, CodeInvalidTransition, err.Error())
	case errors.Is(err, store.ErrNotFound):
		failWith(c, 404, CodeVMNotFound, "vm not found")
	default:
		failWith(c, 500, CodeInternal, err.Error())
	}
}

// generatePassword mints the one-time credential returned from create
func generatePassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
