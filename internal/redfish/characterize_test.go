package redfish

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

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

// stubServiceTree wires the service root, collections, and one system
// with an embedded NIC into a mux.
func stubServiceTree(mux *http.ServeMux) {
	mux.HandleFunc("/redfish/v1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"Name": "iDRAC Service Root",
			"RedfishVersion": "1.6.0",
			"Oem": {"Dell": {}},
			"Systems": {"@odata.id": "/redfish/v1/Systems/"},
			"Managers": {"@odata.id": "/redfish/v1/Managers/"}
		}`)
	})
	mux.HandleFunc("/redfish/v1/Systems", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Members": [{"@odata.id": "/redfish/v1/Systems/1"}]}`)
	})
	mux.HandleFunc("/redfish/v1/Managers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Members": [{"@odata.id": "/redfish/v1/Managers/1"}]}`)
	})
	mux.HandleFunc("/redfish/v1/Systems/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"SKU": " SKU1234 ",
			"SerialNumber": "CN012345",
			"PowerState": "Off",
			"IndicatorLED": "Lit",
			"Status": {"Health": "OK"},
			"EthernetInterfaces": {"@odata.id": "/redfish/v1/Systems/1/EthernetInterfaces"},
			"Storage": {"@odata.id": "/redfish/v1/Systems/1/Storage"},
			"Bios": {"@odata.id": "/redfish/v1/Systems/1/Bios"}
		}`)
	})
	mux.HandleFunc("/redfish/v1/Systems/1/EthernetInterfaces", func(w http.ResponseWriter, r *http.Request) {
		// The slot NIC must be ignored; of the embedded pair the
		// lowest @odata.id wins.
		fmt.Fprint(w, `{"Members": [
			{"@odata.id": "/redfish/v1/Systems/1/EthernetInterfaces/NIC.Slot.2-1-1"},
			{"@odata.id": "/redfish/v1/Systems/1/EthernetInterfaces/NIC.Embedded.2-1-1"},
			{"@odata.id": "/redfish/v1/Systems/1/EthernetInterfaces/NIC.Embedded.1-1-1"}
		]}`)
	})
	mux.HandleFunc("/redfish/v1/Systems/1/EthernetInterfaces/NIC.Embedded.1-1-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"MACAddress": " AA:BB:CC:11:22:33 "}`)
	})
	mux.HandleFunc("/redfish/v1/Systems/1/EthernetInterfaces/NIC.Embedded.2-1-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"MACAddress": "AA:BB:CC:99:99:99"}`)
	})
}

func TestDiscoverRootsAndCharacterizeSystem(t *testing.T) {
	mux := http.NewServeMux()
	stubServiceTree(mux)
	_, session := newStubBMC(t, mux)
	ctx := context.Background()

	roots, err := session.DiscoverRoots(ctx)
	if err != nil {
		t.Fatalf("DiscoverRoots() error = %v", err)
	}
	if roots.Vendor != "Dell" {
		t.Errorf("Vendor = %q, want Dell", roots.Vendor)
	}
	if roots.Name != "iDRAC Service Root" || roots.Version != "1.6.0" {
		t.Errorf("identity = %q/%q, want iDRAC Service Root/1.6.0", roots.Name, roots.Version)
	}
	if roots.SystemRoot != "/redfish/v1/Systems/1" {
		t.Errorf("SystemRoot = %q", roots.SystemRoot)
	}
	if roots.ManagerRoot != "/redfish/v1/Managers/1" {
		t.Errorf("ManagerRoot = %q", roots.ManagerRoot)
	}
	if session.vendor != "Dell" {
		t.Errorf("session vendor = %q, want Dell", session.vendor)
	}

	info, err := session.CharacterizeSystem(ctx, roots.SystemRoot)
	if err != nil {
		t.Fatalf("CharacterizeSystem() error = %v", err)
	}
	if info.SKU != "SKU1234" {
		t.Errorf("SKU = %q, want trimmed SKU1234", info.SKU)
	}
	if info.Serial != "CN012345" || info.PowerState != "Off" || info.IndicatorLED != "Lit" || info.Health != "OK" {
		t.Errorf("system detail = %+v", info)
	}
	if info.BootstrapMAC != "aa:bb:cc:11:22:33" {
		t.Errorf("BootstrapMAC = %q, want aa:bb:cc:11:22:33", info.BootstrapMAC)
	}
	if info.StorageRoot != "/redfish/v1/Systems/1/Storage" {
		t.Errorf("StorageRoot = %q", info.StorageRoot)
	}
	if info.BIOSRoot != "/redfish/v1/Systems/1/Bios" {
		t.Errorf("BIOSRoot = %q", info.BIOSRoot)
	}
}

func TestCharacterizeSystemHostCorrelationFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/redfish/v1/Systems/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"SKU": "SKU1",
			"HostCorrelation": {"HostMACAddress": ["AA:BB:CC:44:55:66", "AA:BB:CC:77:88:99"]}
		}`)
	})
	_, session := newStubBMC(t, mux)

	info, err := session.CharacterizeSystem(context.Background(), "/redfish/v1/Systems/1")
	if err != nil {
		t.Fatalf("CharacterizeSystem() error = %v", err)
	}
	if info.BootstrapMAC != "aa:bb:cc:44:55:66" {
		t.Errorf("BootstrapMAC = %q, want first HostCorrelation entry lowercased", info.BootstrapMAC)
	}
}

func TestCharacterizeSystemWithoutMACFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/redfish/v1/Systems/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"SKU": "SKU1"}`)
	})
	_, session := newStubBMC(t, mux)

	if _, err := session.CharacterizeSystem(context.Background(), "/redfish/v1/Systems/1"); err == nil {
		t.Fatal("CharacterizeSystem() error = nil without any MAC source")
	}
}
