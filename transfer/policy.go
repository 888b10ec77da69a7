package transfer

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Profile names a device capability tier.
type Profile string

const (
	ProfileAuto          Profile = "auto"
	ProfileConstrained   Profile = "constrained"
	ProfileUnconstrained Profile = "unconstrained"
)

const (
	// ConstrainedChunkSize keeps per-message memory low on small devices.
	ConstrainedChunkSize = 16 * 1024
	// ConstrainedChunkDelay yields between chunks so slow receivers keep up.
	ConstrainedChunkDelay = 10 * time.Millisecond
	// UnconstrainedChunkSize is used when no throttling is needed.
	UnconstrainedChunkSize = 64 * 1024
)

// Policy is the resolved chunking configuration for one session.
type Policy struct {
	ChunkSize  int
	ChunkDelay time.Duration
}

// Normalize fills invalid fields with unconstrained defaults.
func (p Policy) Normalize() Policy {
	out := p
	if out.ChunkSize <= 0 {
		out.ChunkSize = UnconstrainedChunkSize
	}
	if out.ChunkDelay < 0 {
		out.ChunkDelay = 0
	}
	return out
}

// PolicyFor resolves the policy tier of profile. ProfileAuto runs DetectProfile.
func PolicyFor(profile Profile) Policy {
	if profile == ProfileAuto || profile == "" {
		profile = DetectProfile()
	}
	if profile == ProfileConstrained {
		return Policy{ChunkSize: ConstrainedChunkSize, ChunkDelay: ConstrainedChunkDelay}
	}
	return Policy{ChunkSize: UnconstrainedChunkSize}
}

// ParseProfile validates a configured profile name.
func ParseProfile(name string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(name))) {
	case "", ProfileAuto:
		return ProfileAuto, nil
	case ProfileConstrained:
		return ProfileConstrained, nil
	case ProfileUnconstrained:
		return ProfileUnconstrained, nil
	default:
		return "", fmt.Errorf("transfer: unknown profile %q", name)
	}
}

// DetectProfile classifies the running host.
func DetectProfile() Profile {
	return classify(runtime.GOARCH, runtime.NumCPU())
}

func classify(arch string, cpus int) Profile {
	switch arch {
	case "arm", "386", "mips", "mipsle", "wasm":
		return ProfileConstrained
	}
	if cpus <= 2 {
		return ProfileConstrained
	}
	return ProfileUnconstrained
}
