package types

import (
	"time"
)

// Node represents a remote compute host that runs VMs on behalf of the
// orchestrator.
type Node struct {
	ID            string       `json:"id"`
	WalletAddress string       `json:"wallet_address"`
	Capacity      NodeCapacity `json:"capacity"`
	Pricing       *NodePricing `json:"pricing,omitempty"` // nil means platform defaults
	Status        NodeStatus   `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat_at"`
	PublicIP      string       `json:"public_ip"`
	AgentPort     int          `json:"agent_port,omitempty"` // node agent HTTP port, 0 means default
	Region        string       `json:"region"`
	Zone          string       `json:"zone"`
	Tags          []string     `json:"tags,omitempty"`
	Reputation    Reputation   `json:"reputation"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// NodeStatus represents the observed state of a node
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// NodeCapacity is the capacity a node declared at registration
type NodeCapacity struct {
	CPUCores int   `json:"cpu_cores"`
	MemoryMB int64 `json:"memory_mb"`
	DiskGB   int64 `json:"disk_gb"`
	GPU      GPU   `json:"gpu"`
}

// GPU describes optional accelerator hardware on a node
type GPU struct {
	Present bool   `json:"present"`
	Model   string `json:"model,omitempty"`
	Count   int    `json:"count,omitempty"`
	VRAMMB  int64  `json:"vram_mb,omitempty"`
}

// NodePricing is a node's custom hourly price schedule
type NodePricing struct {
	CPUCoreHour  float64 `json:"cpu_core_hour"`
	MemoryGBHour float64 `json:"memory_gb_hour"`
	DiskGBHour   float64 `json:"disk_gb_hour"`
	GPUHour      float64 `json:"gpu_hour"`
}

// Reputation is derived scoring used by the scheduler's ranking
type Reputation struct {
	UptimePct             float64 `json:"uptime_pct"`
	TotalVMsHosted        int     `json:"total_vms_hosted"`
	SuccessfulCompletions int     `json:"successful_completions"`
}

// HeartbeatSample records the gap observed when a heartbeat arrived.
// Samples feed the reputation engine's 30-day uptime window.
type HeartbeatSample struct {
	At  time.Time     `json:"at"`
	Gap time.Duration `json:"gap"`
}

// VM is a unit of compute scheduled onto exactly one node
type VM struct {
	ID                string         `json:"id"`
	OwnerID           string         `json:"owner_id"`
	Name              string         `json:"name"`
	Type              VMType         `json:"vm_type"`
	Spec              VMSpec         `json:"spec"`
	NodeID            string         `json:"node_id,omitempty"` // empty until scheduled
	Network           *NetworkConfig `json:"network_config,omitempty"`
	Billing           Billing        `json:"billing"`
	EncryptedPassword string         `json:"-"` // opaque blob, stored verbatim, never decrypted
	Status            VMStatus       `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// VMType distinguishes general workloads from relay infrastructure
type VMType string

const (
	VMTypeGeneral VMType = "general"
	VMTypeRelay   VMType = "relay"
)

// VMStatus represents the lifecycle state of a VM
type VMStatus string

const (
	VMStatusPending      VMStatus = "pending"
	VMStatusScheduling   VMStatus = "scheduling"
	VMStatusProvisioning VMStatus = "provisioning"
	VMStatusRunning      VMStatus = "running"
	VMStatusStopping     VMStatus = "stopping"
	VMStatusStopped      VMStatus = "stopped"
	VMStatusMigrating    VMStatus = "migrating"
	VMStatusError        VMStatus = "error"
	VMStatusDeleting     VMStatus = "deleting"
	VMStatusDeleted      VMStatus = "deleted"
)

// Active reports whether the VM still participates in the platform.
// Error is non-terminal: the owner may still delete an errored VM.
func (s VMStatus) Active() bool {
	return s != VMStatusDeleted
}

// Reserving reports whether a VM in this status holds capacity on its node.
// Binding happens during Scheduling, so Scheduling counts.
func (s VMStatus) Reserving() bool {
	switch s {
	case VMStatusScheduling, VMStatusProvisioning, VMStatusRunning,
		VMStatusStopping, VMStatusMigrating:
		return true
	}
	return false
}

// VMSpec is the resource shape requested for a VM
type VMSpec struct {
	CPUCores    int    `json:"cpu_cores"`
	MemoryMB    int64  `json:"memory_mb"`
	DiskGB      int64  `json:"disk_gb"`
	ImageID     string `json:"image_id"`
	RequiresGPU bool   `json:"requires_gpu"`
}

// NetworkConfig is the connectivity the node reported for a provisioned VM
type NetworkConfig struct {
	PrivateIP     string `json:"private_ip"`
	Hostname      string `json:"hostname"`
	SSHJumpHost   string `json:"ssh_jump_host"`
	SSHJumpPort   int    `json:"ssh_jump_port"`
	NodeAgentHost string `json:"node_agent_host"`
	NodeAgentPort int    `json:"node_agent_port"`
}

// Billing tracks accrued billable time for a VM. Accrual runs only while
// the VM is Running and not paused.
type Billing struct {
	HourlyRate    float64       `json:"hourly_rate"`
	TotalBilled   float64       `json:"total_billed"`
	TotalRuntime  time.Duration `json:"total_runtime"`
	LastBillingAt *time.Time    `json:"last_billing_at,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	Paused        bool          `json:"paused"`
	PauseReason   string        `json:"pause_reason,omitempty"`
	PausedAt      *time.Time    `json:"paused_at,omitempty"`
}

// CommandType identifies an orchestrator-to-node directive
type CommandType string

const (
	CommandCreateVM CommandType = "create_vm"
	CommandStartVM  CommandType = "start_vm"
	CommandStopVM   CommandType = "stop_vm"
	CommandDeleteVM CommandType = "delete_vm"
	CommandAttest   CommandType = "attest"
)

// PendingCommand exists in the store exactly while the orchestrator is
// awaiting a terminal signal (ack-ok, ack-fail, or timeout).
type PendingCommand struct {
	ID               string            `json:"id"`
	Type             CommandType       `json:"type"`
	TargetResourceID string            `json:"target_resource_id,omitempty"` // vm id for VM-scoped commands
	NodeID           string            `json:"node_id"`
	IssuedAt         time.Time         `json:"issued_at"`
	Payload          map[string]string `json:"payload,omitempty"` // opaque to the bus
}

// Age returns how long the command has been outstanding
func (c PendingCommand) Age(now time.Time) time.Duration {
	return now.Sub(c.IssuedAt)
}

// LivenessState is the per-VM attestation bookkeeping
type LivenessState struct {
	VMID                  string     `json:"vm_id"`
	LastSuccess           *time.Time `json:"last_successful_attestation,omitempty"`
	ConsecutiveSuccesses  int        `json:"consecutive_successes"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	TotalChallenges       int        `json:"total_challenges"`
	SuccessCount          int        `json:"success_count"`
	FailCount             int        `json:"fail_count"`
	BillingPaused         bool       `json:"billing_paused"`
	PauseReason           string     `json:"pause_reason,omitempty"`
	PausedAt              *time.Time `json:"paused_at,omitempty"`
	AvgResponseMS         float64    `json:"avg_response_ms"`
}

// Severity classifies events
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one entry in the store's bounded event ring
type Event struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	SubjectID string    `json:"subject_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
}

// Event kinds recorded by the core
const (
	EventKindVMStatus    = "vm.status"
	EventKindNodeStatus  = "node.status"
	EventKindCommand     = "command"
	EventKindAttestation = "attestation"
	EventKindBilling     = "billing"
	EventKindCleanup     = "cleanup"
)
