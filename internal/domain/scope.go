package domain

import (
	"path/filepath"
	"strings"
)

// QNPath returns the path component of a qualified name, everything
// before the final separator.
func QNPath(qn string) string {
	if i := strings.LastIndex(qn, "--"); i >= 0 {
		return qn[:i]
	}
	return qn
}

// QNName returns the name component of a qualified name.
func QNName(qn string) string {
	if i := strings.LastIndex(qn, "--"); i >= 0 {
		return qn[i+2:]
	}
	return qn
}

// IsModuleQN reports whether qn references an external module, where the
// module name doubles as both components.
func IsModuleQN(qn string) bool {
	p := QNPath(qn)
	return p != "" && p == QNName(qn)
}

// ExpectedPasses derives which passes can plausibly observe a
// relationship from its endpoints and type. An evidence bundle is
// complete once every pass in this set has reported; only these passes
// count as disagreers when they stay silent.
//
// The scopes are mutually exclusive by construction: the intra-file pass
// sees only one file at a time, the intra-dir pass asks only for
// cross-file relationships within a directory, and the global pass only
// for cross-directory ones. Expecting a pass outside a relationship's
// scope would punish it for evidence that could never arrive.
func ExpectedPasses(sourceQN, targetQN string, relType RelType, deterministic bool) []Pass {
	// Containment and imports are syntactic facts; when the deterministic
	// pass runs it is authoritative for them.
	if deterministic && (relType == RelContains || relType == RelImports) {
		return []Pass{PassDeterministic}
	}
	// External modules never appear in an LLM pass's candidate listing.
	if IsModuleQN(sourceQN) || IsModuleQN(targetQN) {
		if deterministic {
			return []Pass{PassDeterministic}
		}
		return nil
	}

	srcPath, tgtPath := QNPath(sourceQN), QNPath(targetQN)
	var out []Pass
	if deterministic && relType == RelDependsOn && srcPath != tgtPath {
		out = append(out, PassDeterministic)
	}
	switch {
	case srcPath == tgtPath:
		out = append(out, PassIntraFile)
	case filepath.Dir(srcPath) == filepath.Dir(tgtPath):
		out = append(out, PassIntraDir)
	default:
		out = append(out, PassGlobal)
	}
	return out
}
