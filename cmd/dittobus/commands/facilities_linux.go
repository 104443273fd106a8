//go:build linux

package commands

import (
	"github.com/marmos91/dittobus/pkg/broker/host"
)

func newPlatformFacilities() host.Facilities {
	return host.NewProcfs()
}
