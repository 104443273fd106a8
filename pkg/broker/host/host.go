// Package host abstracts the process-identity queries the broker needs
// from the operating system: credentials, comm strings, executable path,
// command line, capability sets, cgroup membership, audit ids, and
// security labels.
//
// The broker core never touches /proc or syscalls directly; it asks a
// Facilities provider. A facility that is absent on the running system
// returns ErrNotSupported, which the metadata collector silently skips. A
// transient failure (for example, the process exited mid-query) returns an
// ordinary error and may be retried.
package host

import "errors"

// Common errors for Facilities operations.
var (
	// ErrNotSupported indicates the host does not provide this facility
	// at all (no cgroups, no audit subsystem, no security module).
	ErrNotSupported = errors.New("host facility not supported")

	// ErrProcessGone indicates the queried process no longer exists.
	ErrProcessGone = errors.New("process no longer exists")
)

// NamespaceID identifies a pid or user namespace on the host. Two
// processes share a namespace iff their ids are equal.
type NamespaceID uint64

// Process pins the identity of a client process at connection time:
// which process it is and which namespaces its ids are meaningful in.
type Process struct {
	PID    uint32
	TID    uint32
	PidNS  NamespaceID
	UserNS NamespaceID
}

// Credentials is the credential snapshot of a process, expressed in the
// process's own user namespace.
type Credentials struct {
	UID       uint32
	GID       uint32
	PID       uint32
	TID       uint32
	StartTime uint64
}

// CapabilitySets is the four-tuple of capability sets of a process. Each
// set is a bitmask over the host's capability range; bits above the
// advertised last capability are cleared by the provider.
type CapabilitySets struct {
	Inheritable uint64
	Permitted   uint64
	Effective   uint64
	Bounding    uint64
}

// Audit carries the audit identity of a process.
type Audit struct {
	LoginUID  uint32
	SessionID uint32
}

// Facilities is the host query surface used by the metadata collector and
// the constructors.
//
// All by-process queries take the pinned Process so a provider can detect
// reuse of a pid by an unrelated process where the host allows it.
type Facilities interface {
	// Credentials returns the uid/gid/pid/tid/start-time of the process.
	Credentials(p Process) (Credentials, error)

	// Groups returns the supplementary group ids of the process.
	Groups(p Process) ([]uint32, error)

	// Comm returns the thread-group leader comm and the thread comm.
	Comm(p Process) (tg string, tid string, err error)

	// Exe returns the absolute path of the process's executable.
	Exe(p Process) (string, error)

	// Cmdline returns up to one page of the process's argv area.
	Cmdline(p Process) ([]byte, error)

	// Caps returns the process's capability sets, truncated to the
	// host's capability range.
	Caps(p Process) (CapabilitySets, error)

	// CgroupPath returns the process's path in the given cgroup
	// hierarchy.
	CgroupPath(p Process, hierarchyID uint64) (string, error)

	// Audit returns the audit login uid and session id of the process.
	Audit(p Process) (Audit, error)

	// Seclabel returns the opaque security label of the process.
	Seclabel(p Process) ([]byte, error)

	// TranslateUID renders uid into the given user namespace. The
	// second result is false when the uid has no mapping there; callers
	// then use the overflow id.
	TranslateUID(uid uint32, from, to NamespaceID) (uint32, bool)

	// TranslateGID renders gid into the given user namespace.
	TranslateGID(gid uint32, from, to NamespaceID) (uint32, bool)
}

// Overflow ids substituted for identities with no mapping in the target
// user namespace, mirroring the kernel's overflowuid/overflowgid.
const (
	OverflowUID uint32 = 65534
	OverflowGID uint32 = 65534
)

// MapUID translates uid via f, substituting the overflow uid when no
// mapping exists.
func MapUID(f Facilities, uid uint32, from, to NamespaceID) uint32 {
	if v, ok := f.TranslateUID(uid, from, to); ok {
		return v
	}
	return OverflowUID
}

// MapGID translates gid via f, substituting the overflow gid when no
// mapping exists.
func MapGID(f Facilities, gid uint32, from, to NamespaceID) uint32 {
	if v, ok := f.TranslateGID(gid, from, to); ok {
		return v
	}
	return OverflowGID
}
