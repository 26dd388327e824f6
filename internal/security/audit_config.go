package security

import (
	"fmt"
	"strings"

	"github.com/ksi-project/ksid/internal/config"
)

// auditConfigContent checks KSI configuration for insecure defaults.
func auditConfigContent(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding
	if cfg == nil {
		return findings
	}

	findings = append(findings, auditSocketConfig(cfg)...)
	findings = append(findings, auditSandboxConfig(cfg)...)
	findings = append(findings, auditCircuitBreakerConfig(cfg)...)
	return findings
}

func auditSocketConfig(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding
	path := strings.TrimSpace(cfg.Socket.Path)
	if path == "" {
		return findings
	}
	if !strings.HasPrefix(path, strings.TrimSuffix(cfg.Paths.Run, "/")) {
		findings = append(findings, AuditFinding{
			CheckID:     "config.socket_outside_run_dir",
			Severity:    SeverityInfo,
			Title:       "Daemon socket configured outside var/run",
			Detail:      fmt.Sprintf("socket.path (%s) is not under paths.run (%s)", path, cfg.Paths.Run),
			Remediation: "Keep the socket under the daemon's var/run directory so it inherits directory-level ACLs.",
		})
	}
	return findings
}

func auditSandboxConfig(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding
	root := strings.TrimSpace(cfg.Sandbox.Root)
	if root == "" || root == "/" {
		findings = append(findings, AuditFinding{
			CheckID:     "config.sandbox_root_unset",
			Severity:    SeverityCritical,
			Title:       "Sandbox root is unset or is the filesystem root",
			Detail:      "sandbox.root must point at a dedicated directory; agents would otherwise be created at or near the filesystem root.",
			Remediation: "Set sandbox.root to a dedicated var/sandbox directory.",
		})
	}
	return findings
}

func auditCircuitBreakerConfig(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding
	if cfg.CircuitBreak.MaxDepth > 50 {
		findings = append(findings, AuditFinding{
			CheckID:     "config.circuit_breaker_max_depth_high",
			Severity:    SeverityWarn,
			Title:       "circuit_breaker.max_depth is unusually high",
			Detail:      fmt.Sprintf("max_depth=%d allows very long completion chains before the depth check blocks", cfg.CircuitBreak.MaxDepth),
			Remediation: "Lower max_depth unless long agent chains are an intended workload.",
		})
	}
	if cfg.CircuitBreak.PoisoningScore >= 1.0 {
		findings = append(findings, AuditFinding{
			CheckID:     "config.poisoning_threshold_disabled",
			Severity:    SeverityWarn,
			Title:       "Context-poisoning check is effectively disabled",
			Detail:      "circuit_breaker.poisoning_score_threshold >= 1.0 means the poisoning-risk check can never block a request.",
			Remediation: "Set poisoning_score_threshold below 1.0, typically around 0.7.",
		})
	}
	return findings
}
