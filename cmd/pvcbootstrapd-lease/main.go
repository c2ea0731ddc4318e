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

// pvcbootstrapd-lease is the dnsmasq dhcp-script hook. dnsmasq invokes
// it on lease and TFTP events; it forwards them as JSON check-ins to
// the URI in API_URI. Events that do not drive bootstraps (old, del)
// are dropped here.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"pvcbootstrapd/pkg/models"
)

const defaultAPIURI = "http://127.0.0.1:9999/checkin/dnsmasq"

func main() {
	if len(os.Args) < 2 {
		return
	}
	action := os.Args[1]

	uri := os.Getenv("API_URI")
	if uri == "" {
		uri = defaultAPIURI
	}

	var payload *models.DNSMasqCheckin
	switch action {
	case "add":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: pvcbootstrapd-lease add <macaddr> <ipaddr>")
			os.Exit(1)
		}
		payload = &models.DNSMasqCheckin{
			Action:      action,
			MACAddr:     os.Args[2],
			IPAddr:      os.Args[3],
			Hostname:    os.Getenv("DNSMASQ_SUPPLIED_HOSTNAME"),
			ClientID:    os.Getenv("DNSMASQ_CLIENT_ID"),
			Expiry:      os.Getenv("DNSMASQ_LEASE_EXPIRES"),
			VendorClass: os.Getenv("DNSMASQ_VENDOR_CLASS"),
			UserClass:   os.Getenv("DNSMASQ_USER_CLASS0"),
		}
	case "tftp":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: pvcbootstrapd-lease tftp <size> <destaddr> <filepath>")
			os.Exit(1)
		}
		payload = &models.DNSMasqCheckin{
			Action:   action,
			Size:     os.Args[2],
			DestAddr: os.Args[3],
			FilePath: os.Args[4],
		}
	default:
		// old and del events carry nothing a bootstrap needs
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvcbootstrapd-lease: %v\n", err)
		return
	}

	// Failures must never block dnsmasq; report and exit clean.
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(uri, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvcbootstrapd-lease: %v\n", err)
		return
	}
	resp.Body.Close()
}
