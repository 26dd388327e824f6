package permission

import "strings"

// ValidateSpawn reports whether child is permitted to spawn under
// parent: child tools must be a subset of parent tools, child
// filesystem paths must be subsets of parent paths, and child resource
// maxima must not exceed parent's on any axis.
func ValidateSpawn(parent, child Permissions) bool {
	return toolsSubset(parent.Tools, child.Tools) &&
		pathsSubset(parent.Filesystem.ReadPaths, child.Filesystem.ReadPaths) &&
		pathsSubset(parent.Filesystem.WritePaths, child.Filesystem.WritePaths) &&
		child.Resources.MaxTokens <= parent.Resources.MaxTokens &&
		child.Resources.TimeoutS <= parent.Resources.TimeoutS
}

func toolsSubset(parent, child Tools) bool {
	if containsAll(parent.Allowed) {
		return true
	}
	if containsAll(child.Allowed) {
		return false // child claims universal access parent does not grant
	}
	parentSet := toSet(parent.Allowed)
	for _, t := range child.Allowed {
		if !parentSet[t] {
			return false
		}
	}
	return true
}

func containsAll(allowed []string) bool {
	for _, a := range allowed {
		if a == AllTools {
			return true
		}
	}
	return false
}

func toSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}

// pathsSubset reports whether every path in child is contained within
// (or equal to) some path in parent.
func pathsSubset(parent, child []string) bool {
	for _, c := range child {
		if !withinAny(parent, c) {
			return false
		}
	}
	return true
}

func withinAny(roots []string, path string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}
