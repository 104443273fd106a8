package host

import "sync"

// Fake is an in-memory Facilities implementation for tests and for
// platforms without procfs.
//
// Every field is settable. A process with no entry in Exes, Cmdlines,
// CapSets, Cgroups, Audits or Seclabels reports ErrNotSupported for that
// facility, matching a host without the corresponding subsystem; a
// process with no Creds or Comms entry reports ErrProcessGone, and one
// with no AuxGroups entry has no auxiliary groups. Fail injects a
// transient error for a single facility name, exercising the collector's
// retry contract.
type Fake struct {
	mu sync.Mutex

	Creds       map[uint32]Credentials
	AuxGroups   map[uint32][]uint32
	Comms       map[uint32][2]string
	Exes        map[uint32]string
	Cmdlines    map[uint32][]byte
	CapSets     map[uint32]CapabilitySets
	Cgroups     map[uint32]string
	Audits      map[uint32]*Audit
	Seclabels   map[uint32][]byte
	UIDMappings map[NamespaceID]map[uint32]uint32
	GIDMappings map[NamespaceID]map[uint32]uint32

	// Fail holds facility names ("creds", "comm", "exe", "cmdline",
	// "caps", "cgroup", "audit", "seclabel", "groups") that return
	// ErrProcessGone on the next query, then clear.
	Fail map[string]bool
}

// NewFake returns an empty Fake provider.
func NewFake() *Fake {
	return &Fake{
		Creds:       make(map[uint32]Credentials),
		AuxGroups:   make(map[uint32][]uint32),
		Comms:       make(map[uint32][2]string),
		Exes:        make(map[uint32]string),
		Cmdlines:    make(map[uint32][]byte),
		CapSets:     make(map[uint32]CapabilitySets),
		Cgroups:     make(map[uint32]string),
		Audits:      make(map[uint32]*Audit),
		Seclabels:   make(map[uint32][]byte),
		UIDMappings: make(map[NamespaceID]map[uint32]uint32),
		GIDMappings: make(map[NamespaceID]map[uint32]uint32),
		Fail:        make(map[string]bool),
	}
}

// AddProcess registers a process with credentials and returns its pinned
// handle in the given namespaces.
func (f *Fake) AddProcess(pid uint32, c Credentials, pidNS, userNS NamespaceID) Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Creds[pid] = c
	return Process{PID: pid, TID: c.TID, PidNS: pidNS, UserNS: userNS}
}

func (f *Fake) failing(facility string) bool {
	if f.Fail[facility] {
		f.Fail[facility] = false
		return true
	}
	return false
}

// Credentials implements Facilities.
func (f *Fake) Credentials(p Process) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("creds") {
		return Credentials{}, ErrProcessGone
	}
	c, ok := f.Creds[p.PID]
	if !ok {
		return Credentials{}, ErrProcessGone
	}
	return c, nil
}

// Groups implements Facilities.
func (f *Fake) Groups(p Process) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("groups") {
		return nil, ErrProcessGone
	}
	g, ok := f.AuxGroups[p.PID]
	if !ok {
		return nil, nil
	}
	return append([]uint32(nil), g...), nil
}

// Comm implements Facilities.
func (f *Fake) Comm(p Process) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("comm") {
		return "", "", ErrProcessGone
	}
	c, ok := f.Comms[p.PID]
	if !ok {
		return "", "", ErrProcessGone
	}
	return c[0], c[1], nil
}

// Exe implements Facilities.
func (f *Fake) Exe(p Process) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("exe") {
		return "", ErrProcessGone
	}
	e, ok := f.Exes[p.PID]
	if !ok {
		return "", ErrNotSupported
	}
	return e, nil
}

// Cmdline implements Facilities.
func (f *Fake) Cmdline(p Process) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("cmdline") {
		return nil, ErrProcessGone
	}
	c, ok := f.Cmdlines[p.PID]
	if !ok {
		return nil, ErrNotSupported
	}
	return append([]byte(nil), c...), nil
}

// Caps implements Facilities.
func (f *Fake) Caps(p Process) (CapabilitySets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("caps") {
		return CapabilitySets{}, ErrProcessGone
	}
	c, ok := f.CapSets[p.PID]
	if !ok {
		return CapabilitySets{}, ErrNotSupported
	}
	return c, nil
}

// CgroupPath implements Facilities.
func (f *Fake) CgroupPath(p Process, hierarchyID uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("cgroup") {
		return "", ErrProcessGone
	}
	c, ok := f.Cgroups[p.PID]
	if !ok {
		return "", ErrNotSupported
	}
	return c, nil
}

// Audit implements Facilities.
func (f *Fake) Audit(p Process) (Audit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("audit") {
		return Audit{}, ErrProcessGone
	}
	a, ok := f.Audits[p.PID]
	if !ok || a == nil {
		return Audit{}, ErrNotSupported
	}
	return *a, nil
}

// Seclabel implements Facilities.
func (f *Fake) Seclabel(p Process) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("seclabel") {
		return nil, ErrProcessGone
	}
	l, ok := f.Seclabels[p.PID]
	if !ok {
		return nil, ErrNotSupported
	}
	return append([]byte(nil), l...), nil
}

// TranslateUID implements Facilities. Identity within the same namespace;
// otherwise resolved through the configured mapping table.
func (f *Fake) TranslateUID(uid uint32, from, to NamespaceID) (uint32, bool) {
	if from == to {
		return uid, true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.UIDMappings[to]
	if !ok {
		return 0, false
	}
	v, ok := m[uid]
	return v, ok
}

// TranslateGID implements Facilities.
func (f *Fake) TranslateGID(gid uint32, from, to NamespaceID) (uint32, bool) {
	if from == to {
		return gid, true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.GIDMappings[to]
	if !ok {
		return 0, false
	}
	v, ok := m[gid]
	return v, ok
}
