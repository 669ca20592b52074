package a2a

// AgentRole is the catalogue of agent types known to the fabric. Cards may use
// other type strings; the catalogue only drives defaults and validation hints.
type AgentRole string

const (
	RoleCoordinator        AgentRole = "coordinator"
	RoleResearcher         AgentRole = "researcher"
	RoleCoder              AgentRole = "coder"
	RoleAnalyst            AgentRole = "analyst"
	RoleOptimizer          AgentRole = "optimizer"
	RoleTester             AgentRole = "tester"
	RoleReviewer           AgentRole = "reviewer"
	RoleSpawner            AgentRole = "spawner"
	RoleMemoryManager      AgentRole = "memory-manager"
	RoleTaskOrchestrator   AgentRole = "task-orchestrator"
	RoleNeuralTrainer      AgentRole = "neural-trainer"
	RoleSystemArchitect    AgentRole = "system-architect"
	RolePerformanceMonitor AgentRole = "performance-monitor"
	RoleSecurityManager    AgentRole = "security-manager"
	RoleConsensusManager   AgentRole = "consensus-manager"
	RoleResourceAllocator  AgentRole = "resource-allocator"
)

// KnownRoles lists the catalogue in a stable order.
var KnownRoles = []AgentRole{
	RoleCoordinator, RoleResearcher, RoleCoder, RoleAnalyst, RoleOptimizer,
	RoleTester, RoleReviewer, RoleSpawner, RoleMemoryManager, RoleTaskOrchestrator,
	RoleNeuralTrainer, RoleSystemArchitect, RolePerformanceMonitor,
	RoleSecurityManager, RoleConsensusManager, RoleResourceAllocator,
}

// IsKnownRole reports whether t is part of the catalogue.
func IsKnownRole(t string) bool {
	for _, r := range KnownRoles {
		if string(r) == t {
			return true
		}
	}
	return false
}
