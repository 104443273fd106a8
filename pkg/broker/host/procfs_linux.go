//go:build linux

package host

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// pageSize bounds the cmdline capture to one page, matching what the
// broker attaches to a message.
const pageSize = 4096

// unsetLoginUID is the kernel's marker for "no audit login uid recorded".
const unsetLoginUID = ^uint32(0)

// Procfs is the Linux Facilities implementation backed by /proc.
//
// It serves a single user/pid namespace (the broker's own); translation
// requests into a foreign namespace report no mapping, which callers
// render as the overflow ids.
type Procfs struct {
	root string

	lastCapOnce sync.Once
	lastCap     uint
}

// NewProcfs returns a Facilities provider reading from /proc.
func NewProcfs() *Procfs {
	return &Procfs{root: "/proc"}
}

// PinProcess captures the pid/user namespace identity of a process so its
// metadata stays comparable only within those namespaces.
func (h *Procfs) PinProcess(pid, tid uint32) (Process, error) {
	pidNS, err := h.namespaceID(pid, "pid")
	if err != nil {
		return Process{}, err
	}
	userNS, err := h.namespaceID(pid, "user")
	if err != nil {
		return Process{}, err
	}
	return Process{PID: pid, TID: tid, PidNS: pidNS, UserNS: userNS}, nil
}

// namespaceID resolves a namespace link to its inode, the host's stable
// identity for the namespace.
func (h *Procfs) namespaceID(pid uint32, ns string) (NamespaceID, error) {
	var st unix.Stat_t
	path := fmt.Sprintf("%s/%d/ns/%s", h.root, pid, ns)
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT || err == unix.ESRCH {
			return 0, ErrProcessGone
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return NamespaceID(st.Ino), nil
}

// readProc reads a file under /proc/<pid>, normalizing absence of the
// process to ErrProcessGone and absence of the file to ErrNotSupported.
func (h *Procfs) readProc(pid uint32, name string) ([]byte, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/%s", h.root, pid, name))
	if err != nil {
		if os.IsNotExist(err) {
			if _, derr := os.Stat(fmt.Sprintf("%s/%d", h.root, pid)); derr != nil {
				return nil, ErrProcessGone
			}
			return nil, ErrNotSupported
		}
		return nil, err
	}
	return data, nil
}

// Credentials implements Facilities from /proc/<pid>/status and the
// start time from /proc/<pid>/stat.
func (h *Procfs) Credentials(p Process) (Credentials, error) {
	status, err := h.statusFields(p.PID)
	if err != nil {
		return Credentials{}, err
	}

	c := Credentials{PID: p.PID, TID: p.TID}
	if uids, ok := status["Uid"]; ok && len(uids) >= 2 {
		v, _ := strconv.ParseUint(uids[1], 10, 32)
		c.UID = uint32(v)
	}
	if gids, ok := status["Gid"]; ok && len(gids) >= 2 {
		v, _ := strconv.ParseUint(gids[1], 10, 32)
		c.GID = uint32(v)
	}

	start, err := h.startTime(p.PID)
	if err != nil {
		return Credentials{}, err
	}
	c.StartTime = start
	return c, nil
}

// startTime reads field 22 of /proc/<pid>/stat (clock ticks since boot).
func (h *Procfs) startTime(pid uint32) (uint64, error) {
	data, err := h.readProc(pid, "stat")
	if err != nil {
		return 0, err
	}
	// The comm field may contain spaces; skip past its closing paren.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[idx+1:])
	// Fields here start at field 3 ("state"); starttime is field 22.
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}

// statusFields parses /proc/<pid>/status into key → fields.
func (h *Procfs) statusFields(pid uint32) (map[string][]string, error) {
	data, err := h.readProc(pid, "status")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, line := range strings.Split(string(data), "\n") {
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[key] = strings.Fields(rest)
	}
	return out, nil
}

// Groups implements Facilities.
func (h *Procfs) Groups(p Process) ([]uint32, error) {
	status, err := h.statusFields(p.PID)
	if err != nil {
		return nil, err
	}
	fields := status["Groups"]
	groups := make([]uint32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse group %q: %w", f, err)
		}
		groups = append(groups, uint32(v))
	}
	return groups, nil
}

// Comm implements Facilities.
func (h *Procfs) Comm(p Process) (string, string, error) {
	tg, err := h.readProc(p.PID, "comm")
	if err != nil {
		return "", "", err
	}
	tid, err := os.ReadFile(fmt.Sprintf("%s/%d/task/%d/comm", h.root, p.PID, p.TID))
	if err != nil {
		// The thread may have exited; fall back to the leader comm.
		tid = tg
	}
	trim := func(b []byte) string { return strings.TrimRight(string(b), "\n\x00") }
	return trim(tg), trim(tid), nil
}

// Exe implements Facilities.
func (h *Procfs) Exe(p Process) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("%s/%d/exe", h.root, p.PID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrProcessGone
		}
		if os.IsPermission(err) {
			return "", ErrNotSupported
		}
		return "", err
	}
	return path, nil
}

// Cmdline implements Facilities, capped at one page.
func (h *Procfs) Cmdline(p Process) ([]byte, error) {
	data, err := h.readProc(p.PID, "cmdline")
	if err != nil {
		return nil, err
	}
	if len(data) > pageSize {
		data = data[:pageSize]
	}
	return data, nil
}

// Caps implements Facilities from the CapInh/CapPrm/CapEff/CapBnd lines of
// /proc/<pid>/status, masked to the host's advertised capability range.
func (h *Procfs) Caps(p Process) (CapabilitySets, error) {
	status, err := h.statusFields(p.PID)
	if err != nil {
		return CapabilitySets{}, err
	}
	parse := func(key string) (uint64, error) {
		fields := status[key]
		if len(fields) == 0 {
			return 0, ErrNotSupported
		}
		return strconv.ParseUint(fields[0], 16, 64)
	}

	var c CapabilitySets
	if c.Inheritable, err = parse("CapInh"); err != nil {
		return CapabilitySets{}, err
	}
	if c.Permitted, err = parse("CapPrm"); err != nil {
		return CapabilitySets{}, err
	}
	if c.Effective, err = parse("CapEff"); err != nil {
		return CapabilitySets{}, err
	}
	if c.Bounding, err = parse("CapBnd"); err != nil {
		return CapabilitySets{}, err
	}

	mask := h.capMask()
	c.Inheritable &= mask
	c.Permitted &= mask
	c.Effective &= mask
	c.Bounding &= mask
	return c, nil
}

// capMask returns a mask covering caps 0..cap_last_cap with higher bits
// cleared.
func (h *Procfs) capMask() uint64 {
	h.lastCapOnce.Do(func() {
		h.lastCap = 63
		data, err := os.ReadFile(h.root + "/sys/kernel/cap_last_cap")
		if err != nil {
			return
		}
		if v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8); err == nil && v < 64 {
			h.lastCap = uint(v)
		}
	})
	if h.lastCap >= 63 {
		return ^uint64(0)
	}
	return (uint64(1) << (h.lastCap + 1)) - 1
}

// CgroupPath implements Facilities from /proc/<pid>/cgroup, matching the
// requested hierarchy id (0 selects the unified hierarchy).
func (h *Procfs) CgroupPath(p Process, hierarchyID uint64) (string, error) {
	data, err := h.readProc(p.PID, "cgroup")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if id == hierarchyID {
			return parts[2], nil
		}
	}
	return "", ErrNotSupported
}

// Audit implements Facilities from /proc/<pid>/loginuid and sessionid.
func (h *Procfs) Audit(p Process) (Audit, error) {
	loginuid, err := h.readProc(p.PID, "loginuid")
	if err != nil {
		return Audit{}, err
	}
	uid64, err := strconv.ParseUint(strings.TrimSpace(string(loginuid)), 10, 32)
	if err != nil {
		return Audit{}, fmt.Errorf("parse loginuid: %w", err)
	}
	if uint32(uid64) == unsetLoginUID {
		return Audit{}, ErrNotSupported
	}

	sessionid, err := h.readProc(p.PID, "sessionid")
	if err != nil {
		return Audit{}, err
	}
	sid64, err := strconv.ParseUint(strings.TrimSpace(string(sessionid)), 10, 32)
	if err != nil {
		return Audit{}, fmt.Errorf("parse sessionid: %w", err)
	}
	return Audit{LoginUID: uint32(uid64), SessionID: uint32(sid64)}, nil
}

// Seclabel implements Facilities from /proc/<pid>/attr/current.
func (h *Procfs) Seclabel(p Process) ([]byte, error) {
	data, err := h.readProc(p.PID, "attr/current")
	if err != nil {
		return nil, err
	}
	data = []byte(strings.TrimRight(string(data), "\n\x00"))
	if len(data) == 0 {
		return nil, ErrNotSupported
	}
	return data, nil
}

// TranslateUID implements Facilities. The procfs provider serves one user
// namespace; a foreign target has no mapping.
func (h *Procfs) TranslateUID(uid uint32, from, to NamespaceID) (uint32, bool) {
	if from == to {
		return uid, true
	}
	return 0, false
}

// TranslateGID implements Facilities.
func (h *Procfs) TranslateGID(gid uint32, from, to NamespaceID) (uint32, bool) {
	if from == to {
		return gid, true
	}
	return 0, false
}
