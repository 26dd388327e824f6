// Package security audits the daemon's on-disk posture: sandbox directory
// permissions and configuration content, matching the sandbox's isolation
// guarantees and the SecurityPostureConfig knobs in internal/config.
package security

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ksi-project/ksid/internal/config"
)

// AuditSeverity represents the severity level of a security finding.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarn     AuditSeverity = "warn"
	SeverityCritical AuditSeverity = "critical"
)

// AuditFinding represents a single security audit finding.
type AuditFinding struct {
	CheckID     string        `json:"check_id"`
	Severity    AuditSeverity `json:"severity"`
	Title       string        `json:"title"`
	Detail      string        `json:"detail"`
	Remediation string        `json:"remediation,omitempty"`
}

// AuditSummary contains counts of findings by severity.
type AuditSummary struct {
	Critical int `json:"critical"`
	Warn     int `json:"warn"`
	Info     int `json:"info"`
}

// AuditReport contains all findings from a security audit.
type AuditReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Summary   AuditSummary   `json:"summary"`
	Findings  []AuditFinding `json:"findings"`
}

// HasCritical returns true if any findings are critical severity.
func (r *AuditReport) HasCritical() bool {
	return r.Summary.Critical > 0
}

// CountBySeverity returns the number of findings for each severity level.
func (r *AuditReport) CountBySeverity() map[AuditSeverity]int {
	counts := make(map[AuditSeverity]int)
	for _, f := range r.Findings {
		counts[f.Severity]++
	}
	return counts
}

// AuditOptions configures which checks to run.
type AuditOptions struct {
	// SandboxRoot is the directory under which per-agent sandboxes are created.
	SandboxRoot string

	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// Config is the loaded configuration (optional, loaded from ConfigPath if nil).
	Config *config.Config

	IncludeFilesystem  bool
	IncludeSandbox     bool
	IncludeConfig      bool
	CheckSymlinks      bool
	AllowGroupReadable bool
}

// RunAudit performs a security audit based on the provided options.
func RunAudit(opts AuditOptions) (*AuditReport, error) {
	report := &AuditReport{Timestamp: time.Now(), Findings: make([]AuditFinding, 0)}

	cfg := opts.Config
	if cfg == nil && opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			report.Findings = append(report.Findings, AuditFinding{
				CheckID:  "config.load_error",
				Severity: SeverityWarn,
				Title:    "Failed to load configuration",
				Detail:   fmt.Sprintf("could not load config from %s: %v", opts.ConfigPath, err),
			})
		} else {
			cfg = loaded
		}
	}

	if opts.IncludeFilesystem || opts.IncludeSandbox {
		root := opts.SandboxRoot
		if root == "" && cfg != nil {
			root = cfg.Sandbox.Root
		}
		if root != "" {
			findings, err := auditSandboxTree(root, opts)
			if err != nil {
				return nil, fmt.Errorf("sandbox audit failed: %w", err)
			}
			report.Findings = append(report.Findings, findings...)
		}
	}

	if opts.IncludeConfig && cfg != nil {
		report.Findings = append(report.Findings, auditConfigContent(cfg)...)
	}

	report.Summary = computeSummary(report.Findings)
	return report, nil
}

func computeSummary(findings []AuditFinding) AuditSummary {
	summary := AuditSummary{}
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			summary.Critical++
		case SeverityWarn:
			summary.Warn++
		case SeverityInfo:
			summary.Info++
		}
	}
	return summary
}

const (
	worldReadable = 0004
	worldWritable = 0002
	groupReadable = 0040
	groupWritable = 0020
)

func isWorldWritable(mode fs.FileMode) bool { return mode&worldWritable != 0 }
func isGroupWritable(mode fs.FileMode) bool { return mode&groupWritable != 0 }
func isWorldReadable(mode fs.FileMode) bool { return mode&worldReadable != 0 }
func isGroupReadable(mode fs.FileMode) bool { return mode&groupReadable != 0 }

// auditSandboxTree walks a sandbox root looking for permission findings:
// world-writable agent directories (cross-agent tamper risk) and, unless
// AllowGroupReadable, group-readable directories (cross-agent read risk).
func auditSandboxTree(root string, opts AuditOptions) ([]AuditFinding, error) {
	var findings []AuditFinding
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return findings, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if opts.CheckSymlinks {
			if entryInfo, lErr := os.Lstat(path); lErr == nil && entryInfo.Mode()&os.ModeSymlink != 0 {
				findings = append(findings, AuditFinding{
					CheckID:     "sandbox.symlink",
					Severity:    SeverityWarn,
					Title:       "Symlink found inside sandbox tree",
					Detail:      fmt.Sprintf("%s is a symlink; sandbox isolation does not follow links outside the agent's area", path),
					Remediation: "Remove the symlink or confirm its target stays inside the sandbox.",
				})
			}
		}
		entryInfo, err := d.Info()
		if err != nil {
			return nil
		}
		mode := entryInfo.Mode().Perm()
		if d.IsDir() && isWorldWritable(mode) {
			findings = append(findings, AuditFinding{
				CheckID:     "sandbox.world_writable_dir",
				Severity:    SeverityCritical,
				Title:       "World-writable sandbox directory",
				Detail:      fmt.Sprintf("%s is world-writable (%o); any local user could tamper with agent data", path, mode),
				Remediation: "chmod the sandbox directory to 0700 or 0750.",
			})
		}
		if !opts.AllowGroupReadable && isGroupReadable(mode) && isSensitivePath(path) {
			findings = append(findings, AuditFinding{
				CheckID:     "sandbox.group_readable_sensitive",
				Severity:    SeverityWarn,
				Title:       "Group-readable sensitive sandbox path",
				Detail:      fmt.Sprintf("%s is group-readable (%o)", path, mode),
				Remediation: "Restrict permissions or set security.posture.allow_group_readable if intentional.",
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

func isSensitivePath(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, pattern := range []string{"key", "secret", "token", "credential", "password", "private", ".pem", ".key"} {
		if strings.Contains(base, pattern) {
			return true
		}
	}
	return false
}

// CheckPath performs a quick permission check on a single path.
func CheckPath(path string) ([]AuditFinding, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mode := info.Mode().Perm()
	var findings []AuditFinding
	if info.IsDir() && isWorldWritable(mode) {
		findings = append(findings, AuditFinding{
			CheckID:  "path.world_writable",
			Severity: SeverityCritical,
			Title:    "World-writable directory",
			Detail:   fmt.Sprintf("%s is world-writable (%o)", path, mode),
		})
	}
	if !info.IsDir() && isSensitivePath(path) && isWorldReadable(mode) {
		findings = append(findings, AuditFinding{
			CheckID:  "path.world_readable_sensitive",
			Severity: SeverityWarn,
			Title:    "World-readable sensitive file",
			Detail:   fmt.Sprintf("%s is world-readable (%o)", path, mode),
		})
	}
	return findings, nil
}

// ValidatePermissions checks if a path has secure permissions.
func ValidatePermissions(path string, maxMode fs.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&^maxMode != 0 {
		return fmt.Errorf("insecure permissions %o on %s (maximum allowed: %o)", mode, path, maxMode)
	}
	return nil
}

// SecureFileMode is the recommended permission mode for sensitive files.
const SecureFileMode fs.FileMode = 0600

// SecureDirMode is the recommended permission mode for sandbox directories.
const SecureDirMode fs.FileMode = 0700
