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
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatBytesToHuman(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0B"},
		{500, "500B"},
		{1000, "1KB"},
		{524288000, "525MB"},
		{256000000000, "256GB"},
		{960000000000, "960GB"},
		{1000000000000, "1TB"},
		// 1.92TB must not snap up to 2TB.
		{1920000000000, "1.92TB"},
		{2000000000000, "2TB"},
		{3840000000000, "3.84TB"},
		{25000000000000, "25TB"},
		{2000000000000000, "2PB"},
	}
	for _, tt := range tests {
		if got := FormatBytesToHuman(tt.bytes); got != tt.want {
			t.Errorf("FormatBytesToHuman(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

const storageRoot = "/redfish/v1/Systems/1/Storage"

type stubDrive struct {
	Bay      string
	Model    string
	Capacity int64
	InArray  bool
	// Controller is the last segment of the drive Id.
	Controller string
}

func (d stubDrive) id() string {
	return fmt.Sprintf("Disk.Bay.%s:Enclosure.Internal.0-1:%s", d.Bay, d.Controller)
}

func (d stubDrive) path() string {
	return storageRoot + "/Drives/" + d.id()
}

func (d stubDrive) json() string {
	volume := d.id()
	if d.InArray {
		volume = "Volume.Virtual.1"
	}
	return fmt.Sprintf(`{
		"Id": "%s",
		"@odata.id": "%s",
		"Model": "%s",
		"CapacityBytes": %d,
		"Links": {"Volumes": [{"@odata.id": "%s/Volumes/%s"}]}
	}`, d.id(), d.path(), d.Model, d.Capacity, storageRoot, volume)
}

// newStorageStub wires a single-controller storage tree holding the
// given drives and returns the recorder for volume-creation asserts.
func newStorageStub(t *testing.T, drives []stubDrive) (*requestRecorder, *Session) {
	t.Helper()
	rec := &requestRecorder{}
	controllerRoot := storageRoot + "/RAID.Integrated.1-1"
	volumeRoot := controllerRoot + "/Volumes"

	var mu sync.Mutex
	volumeCreated := false

	mux := http.NewServeMux()
	mux.HandleFunc(storageRoot, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Members": [{"@odata.id": "%s"}]}`, controllerRoot)
	})
	mux.HandleFunc(controllerRoot, func(w http.ResponseWriter, r *http.Request) {
		refs := make([]string, 0, len(drives))
		for _, d := range drives {
			refs = append(refs, fmt.Sprintf(`{"@odata.id": "%s"}`, d.path()))
		}
		fmt.Fprintf(w, `{
			"Name": "PERC H730P Mini",
			"Drives": [%s],
			"Volumes": {"@odata.id": "%s"}
		}`, strings.Join(refs, ","), volumeRoot)
	})
	for _, d := range drives {
		drive := d
		mux.HandleFunc(drive.path(), func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, drive.json())
		})
	}
	mux.HandleFunc(volumeRoot, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			rec.record(r)
			mu.Lock()
			volumeCreated = true
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		mu.Lock()
		created := volumeCreated
		mu.Unlock()
		members := fmt.Sprintf(`{"@odata.id": "%s/Volume.Virtual.1"}`, volumeRoot)
		if created {
			members += fmt.Sprintf(`,{"@odata.id": "%s/Volume.RAID1.New"}`, volumeRoot)
		}
		fmt.Fprintf(w, `{"Members": [%s]}`, members)
	})
	mux.HandleFunc(volumeRoot+"/Volume.RAID1.New", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"CapacityBytes": 960000000000}`)
	})

	_, session := newStubBMC(t, mux)
	return rec, session
}

func sameModelDrives() []stubDrive {
	controller := "RAID.Integrated.1-1"
	return []stubDrive{
		{Bay: "0", Model: "INTEL SSDSC2KB960G8", Capacity: 960000000000, Controller: controller},
		{Bay: "1", Model: "INTEL SSDSC2KB960G8", Capacity: 960000000000, InArray: true, Controller: controller},
		{Bay: "2", Model: "INTEL SSDSC2KB960G8", Capacity: 960000000000, Controller: controller},
		{Bay: "3", Model: "INTEL SSDSC2KB960G8", Capacity: 960000000000, Controller: controller},
	}
}

func TestSystemDriveTargetPassthrough(t *testing.T) {
	_, session := newStorageStub(t, nil)
	ctx := context.Background()

	// Without a storage inventory the first entry is trusted as-is.
	got, err := session.SystemDriveTarget(ctx, []string{"detect:INTEL:960GB:0", "1"}, "")
	if err != nil {
		t.Fatalf("SystemDriveTarget() error = %v", err)
	}
	if got != "detect:INTEL:960GB:0" {
		t.Errorf("target = %q", got)
	}

	// A /dev path wins over bay matching even with an inventory.
	got, err = session.SystemDriveTarget(ctx, []string{"/dev/sda"}, storageRoot)
	if err != nil {
		t.Fatalf("SystemDriveTarget() error = %v", err)
	}
	if got != "/dev/sda" {
		t.Errorf("target = %q", got)
	}
}

func TestSystemDriveTargetTruncatesToTwoDisks(t *testing.T) {
	_, session := newStorageStub(t, nil)

	// The third entry would pass through verbatim, but only the first
	// two are considered.
	_, err := session.SystemDriveTarget(context.Background(), []string{"7", "8", "/dev/sdz"}, storageRoot)
	if err == nil {
		t.Fatal("SystemDriveTarget() error = nil, want no-match failure")
	}
}

func TestSystemDriveTargetSingleBayMatch(t *testing.T) {
	_, session := newStorageStub(t, sameModelDrives())

	got, err := session.SystemDriveTarget(context.Background(), []string{"2"}, storageRoot)
	if err != nil {
		t.Fatalf("SystemDriveTarget() error = %v", err)
	}
	// Bay 1 sits in an array, so the eligible drives are bays 0, 2, 3
	// and bay 2 lands at index 1.
	if got != "detect:INTEL:960GB:1" {
		t.Errorf("target = %q, want detect:INTEL:960GB:1", got)
	}
}

func TestSystemDriveTargetMirrorsTwoBays(t *testing.T) {
	restore := volumePollInterval
	volumePollInterval = time.Millisecond
	defer func() { volumePollInterval = restore }()

	drives := sameModelDrives()
	rec, session := newStorageStub(t, drives)

	got, err := session.SystemDriveTarget(context.Background(), []string{"0", "2"}, storageRoot)
	if err != nil {
		t.Fatalf("SystemDriveTarget() error = %v", err)
	}
	// The new volume is the second member of the collection.
	if got != "detect:PERC:960GB:1" {
		t.Errorf("target = %q, want detect:PERC:960GB:1", got)
	}

	mutations := rec.mutations()
	if len(mutations) != 1 {
		t.Fatalf("recorded %d volume posts, want 1", len(mutations))
	}
	body := mutations[0].Body
	if !strings.Contains(body, `"VolumeType":"Mirrored"`) {
		t.Errorf("volume post body = %s, missing Mirrored", body)
	}
	for _, bay := range []string{"0", "2"} {
		want := fmt.Sprintf("Disk.Bay.%s:", bay)
		if !strings.Contains(body, want) {
			t.Errorf("volume post body = %s, missing drive for bay %s", body, bay)
		}
	}
}

func TestSystemDriveTargetRejectsSplitControllers(t *testing.T) {
	drives := []stubDrive{
		{Bay: "0", Model: "INTEL SSDSC2KB960G8", Capacity: 960000000000, Controller: "RAID.Integrated.1-1"},
		{Bay: "1", Model: "INTEL SSDSC2KB960G8", Capacity: 960000000000, Controller: "RAID.Slot.4-1"},
	}
	// Only the first drive is reachable through the stub controller,
	// so serve both off the same tree but with split controller IDs.
	_, session := newStorageStub(t, drives)

	_, err := session.SystemDriveTarget(context.Background(), []string{"0", "1"}, storageRoot)
	if err == nil || !strings.Contains(err.Error(), "not on the same controller") {
		t.Fatalf("SystemDriveTarget() error = %v, want same-controller failure", err)
	}
}

func TestSystemDriveTargetNoMatches(t *testing.T) {
	_, session := newStorageStub(t, sameModelDrives())

	_, err := session.SystemDriveTarget(context.Background(), []string{"9"}, storageRoot)
	if err == nil {
		t.Fatal("SystemDriveTarget() error = nil for an absent bay")
	}
}
