// Pvcbootstrapd is the bootstrap controller for PVC clusters.
// Copyright (C) 2025 The Parallel Virtual Cluster contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package redfish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// BaseRoot is the Redfish service root every walk starts from. It also
// serves as the keepalive target while waiting out an installation.
const BaseRoot = "/redfish/v1"

// Roots are the discovered service endpoints and identity of one BMC.
type Roots struct {
	Vendor      string
	Name        string
	Version     string
	SystemRoot  string
	ManagerRoot string
}

// SystemInfo is the characterization detail of one system: inventory
// identity, current states, the bootstrap NIC MAC, and the resource
// roots later steps need. StorageRoot and BIOSRoot may be empty when
// the firmware does not expose them.
type SystemInfo struct {
	SKU          string
	Serial       string
	PowerState   string
	IndicatorLED string
	Health       string
	BootstrapMAC string
	StorageRoot  string
	BIOSRoot     string
}

// DiscoverRoots walks the service root down to the first system and
// manager members and records the vendor for request metrics.
func (s *Session) DiscoverRoots(ctx context.Context) (*Roots, error) {
	base, ok := s.Get(ctx, BaseRoot)
	if !ok {
		return nil, errors.New("reading service root failed")
	}

	// Oem carries a single vendor key in practice; take the first in
	// sorted order to stay deterministic if a firmware ships several.
	oem, ok := digMap(base, "Oem")
	if !ok || len(oem) == 0 {
		return nil, errors.New("service root reports no oem vendor")
	}
	vendors := make([]string, 0, len(oem))
	for vendor := range oem {
		vendors = append(vendors, vendor)
	}
	sort.Strings(vendors)

	roots := &Roots{Vendor: vendors[0]}
	roots.Name, _ = digString(base, "Name")
	roots.Version, _ = digString(base, "RedfishVersion")
	s.vendor = roots.Vendor

	systemRoot, err := s.firstMember(ctx, base, "Systems")
	if err != nil {
		return nil, err
	}
	managerRoot, err := s.firstMember(ctx, base, "Managers")
	if err != nil {
		return nil, err
	}
	roots.SystemRoot = systemRoot
	roots.ManagerRoot = managerRoot
	return roots, nil
}

// firstMember resolves the first member of a service root collection.
func (s *Session) firstMember(ctx context.Context, base map[string]any, collection string) (string, error) {
	collectionRoot, ok := digString(base, collection, "@odata.id")
	if !ok {
		return "", fmt.Errorf("service root is missing the %s collection", collection)
	}
	detail, ok := s.Get(ctx, strings.TrimRight(collectionRoot, "/"))
	if !ok {
		return "", fmt.Errorf("reading %s collection failed", collection)
	}
	members, ok := digSlice(detail, "Members")
	if !ok || len(members) == 0 {
		return "", fmt.Errorf("%s collection has no members", collection)
	}
	member := memberID(members[0])
	if member == "" {
		return "", fmt.Errorf("%s member has no @odata.id", collection)
	}
	return strings.TrimRight(member, "/"), nil
}

// CharacterizeSystem reads the system resource and resolves the
// bootstrap NIC MAC address: the first embedded ethernet interface (by
// @odata.id order) that reports a MACAddress wins, with the
// HostCorrelation list as the fallback for older iLO firmwares.
func (s *Session) CharacterizeSystem(ctx context.Context, systemRoot string) (*SystemInfo, error) {
	detail, ok := s.Get(ctx, systemRoot)
	if !ok {
		return nil, errors.New("reading system resource failed")
	}

	info := &SystemInfo{}
	info.SKU = trimmedString(detail, "SKU")
	info.Serial = trimmedString(detail, "SerialNumber")
	info.PowerState = trimmedString(detail, "PowerState")
	info.IndicatorLED = trimmedString(detail, "IndicatorLED")
	info.Health = trimmedString(detail, "Status", "Health")
	info.StorageRoot, _ = digString(detail, "Storage", "@odata.id")
	info.BIOSRoot, _ = digString(detail, "Bios", "@odata.id")

	info.BootstrapMAC = s.embeddedInterfaceMAC(ctx, detail)
	if info.BootstrapMAC == "" {
		if hosts, ok := digSlice(detail, "HostCorrelation", "HostMACAddress"); ok && len(hosts) > 0 {
			if mac, ok := hosts[0].(string); ok {
				info.BootstrapMAC = strings.ToLower(strings.TrimSpace(mac))
			}
		}
	}
	if info.BootstrapMAC == "" {
		return nil, errors.New("no valid MAC address found for the bootstrap interface")
	}
	return info, nil
}

func (s *Session) embeddedInterfaceMAC(ctx context.Context, systemDetail map[string]any) string {
	ethernetRoot, ok := digString(systemDetail, "EthernetInterfaces", "@odata.id")
	if !ok {
		return ""
	}
	ethernetDetail, ok := s.Get(ctx, strings.TrimRight(ethernetRoot, "/"))
	if !ok {
		return ""
	}
	members, ok := digSlice(ethernetDetail, "Members")
	if !ok {
		return ""
	}

	var embedded []string
	for _, member := range members {
		if id := memberID(member); strings.Contains(id, "Embedded") {
			embedded = append(embedded, id)
		}
	}
	if len(embedded) == 0 {
		return ""
	}
	sort.Strings(embedded)

	interfaceDetail, ok := s.Get(ctx, strings.TrimRight(embedded[0], "/"))
	if !ok {
		return ""
	}
	mac, ok := digString(interfaceDetail, "MACAddress")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(mac))
}

func trimmedString(m map[string]any, path ...string) string {
	v, _ := digString(m, path...)
	return strings.TrimSpace(v)
}
