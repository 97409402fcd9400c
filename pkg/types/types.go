package types

import (
	"fmt"
	"net"
	"strings"
)

// Engine identifies the database engine backing the coordinator
type Engine string

const (
	// EngineSQLite is the embedded default; it keeps no shared database directory
	EngineSQLite     Engine = "sqlite"
	EnginePostgreSQL Engine = "postgresql"
	EngineMariaDB    Engine = "mariadb"
)

// Engines lists every recognized engine
var Engines = []Engine{EngineSQLite, EnginePostgreSQL, EngineMariaDB}

// ParseEngine validates an operator-supplied engine name
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EngineSQLite, nil
	case EngineSQLite, EnginePostgreSQL, EngineMariaDB:
		return e, nil
	default:
		return "", fmt.Errorf("unsupported database engine %q", s)
	}
}

// Shared reports whether the engine keeps its data on the shared volume
func (e Engine) Shared() bool {
	return e == EnginePostgreSQL || e == EngineMariaDB
}

// Mode is the top-level failover operation
type Mode string

const (
	ModeSetup      Mode = "setup"
	ModeActivate   Mode = "activate"
	ModeDeactivate Mode = "deactivate"
)

// Origin is a host's physical (pre-takeover) identity
type Origin struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	IP       string `json:"ip" yaml:"ip"`
}

// Line renders the origin in marker-file form: "<ip> <hostname>"
func (o Origin) Line() string {
	return o.IP + " " + o.Hostname
}

// IsZero reports whether the origin carries no data
func (o Origin) IsZero() bool {
	return o.IP == "" && o.Hostname == ""
}

// ParseOrigin parses a marker-file line
func ParseOrigin(line string) (Origin, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Origin{}, false
	}
	return Origin{IP: fields[0], Hostname: fields[1]}, true
}

// VirtualIdentity is the floating identity that follows the controller role
type VirtualIdentity struct {
	Interface string
	IP        string
	Hostname  string
	Netmask   string
}

// BaseInterface strips an alias suffix: "eth0:1" -> "eth0"
func (v VirtualIdentity) BaseInterface() string {
	return BaseInterface(v.Interface)
}

// Prefix converts the dotted netmask into a prefix length
func (v VirtualIdentity) Prefix() (int, error) {
	return MaskPrefix(v.Netmask)
}

// BaseInterface strips an alias suffix from an interface name
func BaseInterface(iface string) string {
	if i := strings.IndexByte(iface, ':'); i >= 0 {
		return iface[:i]
	}
	return iface
}

// MaskPrefix converts a dotted IPv4 netmask to its prefix length
func MaskPrefix(netmask string) (int, error) {
	ip := net.ParseIP(netmask).To4()
	if ip == nil {
		return 0, fmt.Errorf("invalid netmask %q", netmask)
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 {
		return 0, fmt.Errorf("non-contiguous netmask %q", netmask)
	}
	return ones, nil
}

// ShortName returns the first label of a dotted hostname
func ShortName(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		return hostname[:i]
	}
	return hostname
}

// ServiceRole classifies a managed unit
type ServiceRole string

const (
	RoleDatabase    ServiceRole = "database"
	RoleCoordinator ServiceRole = "coordinator"
	RoleNaming      ServiceRole = "naming"
	RoleAddressing  ServiceRole = "addressing"
	RoleTimeSync    ServiceRole = "timesync"
	RoleConsole     ServiceRole = "console"
)

// Unit is a named OS service with its role in the start order
type Unit struct {
	Name string
	Role ServiceRole
}
