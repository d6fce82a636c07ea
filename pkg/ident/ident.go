package ident

import (
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/agentcore/agentcore/pkg/util"
)

// ID identifies one logical agent instance. Assigned once at construction
// and immutable afterwards; restores from a snapshot carry the persisted ID.
type ID struct {
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
	Network   string    `json:"network"`
}

func (i ID) String() string {
	return i.UUID
}

type Identity interface {
	UniqueIdentifier() ID
}

// New mints a fresh identifier tagged with the given network/environment.
func New(network string) ID {
	return ID{
		UUID:      util.NewUUID(),
		CreatedAt: time.Now().UTC(),
		Network:   network,
	}
}

// hardwareID derives a stable identifier from the host's interface
// addresses plus a name, so a daemon keeps its identity across restarts.
type hardwareID struct {
	rawMac    []string
	name      string
	network   string
	createdAt time.Time

	hasher hash.Hash
}

var _ Identity = (*hardwareID)(nil)

func (h *hardwareID) uuid() string {
	h.hasher.Reset()
	h.hasher.Write([]byte(h.name))
	h.hasher.Write([]byte(strings.Join(h.rawMac, "")))
	return hex.EncodeToString(h.hasher.Sum([]byte{}))
}

func (h *hardwareID) UniqueIdentifier() ID {
	return ID{
		UUID:      h.uuid(),
		CreatedAt: h.createdAt,
		Network:   h.network,
	}
}

// FromHardware builds an Identity from sorted hardware addresses and a name.
func FromHardware(hasher hash.Hash, name, network string) (Identity, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	// Sort for consistency across enumeration order.
	var macs []string
	for _, intf := range interfaces {
		macs = append(macs, intf.HardwareAddr.String())
	}
	sort.Strings(macs)
	slog.With("macs", len(macs)).Debug(fmt.Sprintf("got mac addresses : %s", strings.Join(macs, ",")))

	return &hardwareID{
		rawMac:    macs,
		name:      name,
		network:   network,
		createdAt: time.Now().UTC(),
		hasher:    hasher,
	}, nil
}
