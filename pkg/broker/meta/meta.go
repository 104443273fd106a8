// Package meta implements the per-message metadata collector.
//
// A Metadata object captures, on demand, classes of information about a
// sender's process into one contiguous item stream: timestamps,
// credentials, supplementary groups, owned names, comm strings, executable
// path, command line, capability sets, cgroup path, audit identity,
// security label, and the connection label. Each class is collected at
// most once per object; an attached-class mask makes repeated requests
// idempotent, so the buffer produced by asking twice is byte-identical to
// asking once.
//
// Every Metadata pins the pid and user namespace it was created in. All
// uid/gid translations use the pinned user namespace, and two Metadata
// objects are comparable only when their pinned namespaces are identical.
package meta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittobus/internal/protocol/item"
	"github.com/marmos91/dittobus/pkg/broker/host"
)

// Class is a bitmask of metadata classes a sender attaches and a receiver
// agrees to accept.
type Class uint64

const (
	ClassTimestamp Class = 1 << iota
	ClassCreds
	ClassAuxGroups
	ClassNames
	ClassComm
	ClassExe
	ClassCmdline
	ClassCaps
	ClassCgroup
	ClassAudit
	ClassSeclabel
	ClassConnName

	// ClassAll covers every defined class.
	ClassAll Class = 1<<iota - 1
)

// OwnedName is a well-known name held by the sender at collection time.
type OwnedName struct {
	Name  string
	Flags uint64
}

// Source is the connection-side snapshot the collector reads from. The
// caller assembles it under the connection lock; the collector itself
// takes no broker locks.
type Source struct {
	// Seq is the bus-wide message sequence number, written into the
	// timestamp record; zero there means no sequence number.
	Seq uint64

	// CgroupHierarchy selects the cgroup hierarchy configured for the
	// bus.
	CgroupHierarchy uint64

	// ConnLabel is the sender connection's human-readable label.
	ConnLabel string

	// OwnedNames lists the names the sender currently owns.
	OwnedNames []OwnedName
}

// monoStart anchors the monotonic clock readings of timestamp records.
var monoStart = time.Now()

// Metadata is an append-only buffer of collected records plus the mask of
// classes already present.
type Metadata struct {
	facilities host.Facilities
	proc       host.Process

	buf      item.Buffer
	attached Class
}

// New creates an empty Metadata pinned to the namespaces of proc.
func New(facilities host.Facilities, proc host.Process) *Metadata {
	return &Metadata{facilities: facilities, proc: proc}
}

// Attached returns the mask of classes whose records are in the buffer.
func (m *Metadata) Attached() Class {
	return m.attached
}

// Bytes returns the collected item stream. The slice aliases the internal
// buffer and is invalidated by a later Collect.
func (m *Metadata) Bytes() []byte {
	return m.buf.Bytes()
}

// SameContext reports whether two Metadata objects were pinned to the same
// pid and user namespaces. Only such objects may be compared or merged;
// callers crossing a namespace boundary must re-collect.
func (m *Metadata) SameContext(o *Metadata) bool {
	return m.proc.PidNS == o.proc.PidNS && m.proc.UserNS == o.proc.UserNS
}

// Collect appends records for every class in which that is not yet
// attached.
//
// A class whose host facility is absent contributes no records and stays
// unattached; that is not an error. A class whose collection fails
// transiently returns the error with its bit still clear, so the same
// request may be retried later. Either way, classes already attached are
// never re-collected.
func (m *Metadata) Collect(which Class, src Source) error {
	type collector struct {
		class Class
		run   func(Source) error
	}
	// Collection order is fixed so repeated masks produce identical
	// streams.
	collectors := []collector{
		{ClassTimestamp, m.collectTimestamp},
		{ClassCreds, m.collectCreds},
		{ClassAuxGroups, m.collectAuxGroups},
		{ClassNames, m.collectNames},
		{ClassComm, m.collectComm},
		{ClassExe, m.collectExe},
		{ClassCmdline, m.collectCmdline},
		{ClassCaps, m.collectCaps},
		{ClassCgroup, m.collectCgroup},
		{ClassAudit, m.collectAudit},
		{ClassSeclabel, m.collectSeclabel},
		{ClassConnName, m.collectConnName},
	}

	for _, c := range collectors {
		if which&c.class == 0 || m.attached&c.class != 0 {
			continue
		}
		if err := c.run(src); err != nil {
			if errors.Is(err, host.ErrNotSupported) {
				continue
			}
			return fmt.Errorf("collect %s: %w", c.class, err)
		}
		m.attached |= c.class
	}
	return nil
}

func (m *Metadata) collectTimestamp(src Source) error {
	p := m.buf.Append(item.TypeTimestamp, 24)
	putU64(p[0:8], uint64(time.Since(monoStart).Nanoseconds()))
	putU64(p[8:16], uint64(time.Now().UnixNano()))
	putU64(p[16:24], src.Seq)
	return nil
}

func (m *Metadata) collectCreds(src Source) error {
	c, err := m.facilities.Credentials(m.proc)
	if err != nil {
		return err
	}
	uid := host.MapUID(m.facilities, c.UID, m.proc.UserNS, m.proc.UserNS)
	gid := host.MapGID(m.facilities, c.GID, m.proc.UserNS, m.proc.UserNS)

	p := m.buf.Append(item.TypeCreds, 40)
	putU64(p[0:8], uint64(uid))
	putU64(p[8:16], uint64(gid))
	putU64(p[16:24], uint64(c.PID))
	putU64(p[24:32], uint64(c.TID))
	putU64(p[32:40], c.StartTime)
	return nil
}

func (m *Metadata) collectAuxGroups(src Source) error {
	groups, err := m.facilities.Groups(m.proc)
	if err != nil {
		return err
	}
	p := m.buf.Append(item.TypeAuxGroups, 8*len(groups))
	for i, g := range groups {
		gid := host.MapGID(m.facilities, g, m.proc.UserNS, m.proc.UserNS)
		putU64(p[8*i:8*i+8], uint64(gid))
	}
	return nil
}

func (m *Metadata) collectNames(src Source) error {
	for _, n := range src.OwnedNames {
		p := m.buf.Append(item.TypeName, 8+len(n.Name)+1)
		putU64(p[0:8], n.Flags)
		copy(p[8:], n.Name)
		p[8+len(n.Name)] = 0
	}
	return nil
}

func (m *Metadata) collectComm(src Source) error {
	tg, tid, err := m.facilities.Comm(m.proc)
	if err != nil {
		return err
	}
	m.buf.AppendString(item.TypeCommTG, tg)
	m.buf.AppendString(item.TypeCommTID, tid)
	return nil
}

func (m *Metadata) collectExe(src Source) error {
	exe, err := m.facilities.Exe(m.proc)
	if err != nil {
		return err
	}
	m.buf.AppendString(item.TypeExe, exe)
	return nil
}

func (m *Metadata) collectCmdline(src Source) error {
	cmdline, err := m.facilities.Cmdline(m.proc)
	if err != nil {
		return err
	}
	m.buf.AppendBytes(item.TypeCmdline, cmdline)
	return nil
}

func (m *Metadata) collectCaps(src Source) error {
	caps, err := m.facilities.Caps(m.proc)
	if err != nil {
		return err
	}
	p := m.buf.Append(item.TypeCaps, 32)
	putU64(p[0:8], caps.Inheritable)
	putU64(p[8:16], caps.Permitted)
	putU64(p[16:24], caps.Effective)
	putU64(p[24:32], caps.Bounding)
	return nil
}

func (m *Metadata) collectCgroup(src Source) error {
	path, err := m.facilities.CgroupPath(m.proc, src.CgroupHierarchy)
	if err != nil {
		return err
	}
	m.buf.AppendString(item.TypeCgroup, path)
	return nil
}

func (m *Metadata) collectAudit(src Source) error {
	a, err := m.facilities.Audit(m.proc)
	if err != nil {
		return err
	}
	loginUID := host.MapUID(m.facilities, a.LoginUID, m.proc.UserNS, m.proc.UserNS)

	p := m.buf.Append(item.TypeAudit, 16)
	putU64(p[0:8], uint64(loginUID))
	putU64(p[8:16], uint64(a.SessionID))
	return nil
}

func (m *Metadata) collectSeclabel(src Source) error {
	label, err := m.facilities.Seclabel(m.proc)
	if err != nil {
		return err
	}
	m.buf.AppendBytes(item.TypeSeclabel, label)
	return nil
}

func (m *Metadata) collectConnName(src Source) error {
	m.buf.AppendString(item.TypeConnName, src.ConnLabel)
	return nil
}

func putU64(p []byte, v uint64) {
	binary.LittleEndian.PutUint64(p, v)
}

// String names the lowest set class, for diagnostics.
func (c Class) String() string {
	switch c & -c {
	case ClassTimestamp:
		return "timestamp"
	case ClassCreds:
		return "creds"
	case ClassAuxGroups:
		return "auxgroups"
	case ClassNames:
		return "names"
	case ClassComm:
		return "comm"
	case ClassExe:
		return "exe"
	case ClassCmdline:
		return "cmdline"
	case ClassCaps:
		return "caps"
	case ClassCgroup:
		return "cgroup"
	case ClassAudit:
		return "audit"
	case ClassSeclabel:
		return "seclabel"
	case ClassConnName:
		return "conn-name"
	default:
		return "none"
	}
}
