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
	"math"
	"strconv"
	"strings"
	"time"

	"pvcbootstrapd/internal/metrics"
)

var volumePollInterval = 5 * time.Second

// bayPrefix is how chassis-bay entries in a node's system_disks list
// map onto drive IDs like "Disk.Bay.2:Enclosure.Internal.0-1:RAID...".
const bayPrefix = "Disk.Bay."

var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"EB", 1e18},
	{"PB", 1e15},
	{"TB", 1e12},
	{"GB", 1e9},
	{"MB", 1e6},
	{"KB", 1e3},
	{"B", 1},
}

// FormatBytesToHuman renders a byte count with base-1000 units, picking
// the smallest unit that keeps the value at or under 999. TB and larger
// snap to the integer when within 2% of its ceiling, so a 2TB drive
// prints "2TB" while a 1.92TB drive keeps its decimals. This must stay
// aligned with how the installer renders lsscsi sizes, since the two
// strings are compared verbatim during drive detection.
func FormatBytesToHuman(databytes int64) string {
	human := ""
	for _, unit := range byteUnits {
		value := float64(databytes) / unit.factor
		switch unit.suffix {
		case "TB", "PB", "EB":
			ceiled := math.Ceil(value)
			if ceiled > value*0.98 && ceiled < value*1.02 {
				value = ceiled
			} else {
				value = math.Round(value*100) / 100
			}
		default:
			value = math.Ceil(value)
		}
		if value > 999 {
			continue
		}
		human = strconv.FormatFloat(value, 'f', -1, 64) + unit.suffix
	}
	return human
}

// SystemDriveTarget resolves the installer's target_disk value from the
// node's configured system_disks (truncated to the first two):
//
//   - "/dev/..." and "detect:..." entries pass through verbatim;
//   - without a Redfish storage inventory the first entry passes
//     through as-is;
//   - chassis-bay IDs are matched against the drive inventory: one
//     match synthesizes its detect string, two matches build a RAID-1
//     mirror on their shared controller and synthesize the volume's
//     detect string.
func (s *Session) SystemDriveTarget(ctx context.Context, systemDisks []string, storageRoot string) (string, error) {
	disks := systemDisks
	if len(disks) > 2 {
		disks = disks[:2]
	}
	if len(disks) == 0 {
		return "", errors.New("no system disks configured")
	}
	if storageRoot == "" {
		// No inventory to interrogate; trust the operator's value.
		return disks[0], nil
	}

	sess := s.WithOp(metrics.OpStorage)
	drives, err := sess.driveInventory(ctx, storageRoot)
	if err != nil {
		return "", err
	}

	var matched []map[string]any
	for _, disk := range disks {
		if strings.HasPrefix(disk, "/dev") || strings.HasPrefix(disk, "detect:") {
			s.logger.Info("using operator-supplied drive target", "target", disk)
			return disk, nil
		}

		want := bayPrefix + disk
		for _, drive := range drives {
			id, _ := digString(drive, "Id")
			if strings.SplitN(id, ":", 2)[0] == want {
				matched = append(matched, drive)
			}
		}
	}

	switch len(matched) {
	case 1:
		s.logger.Info("found a single drive matching the requested chassis id, using it as the system disk")
		return singleDriveTarget(matched[0], drives), nil
	case 2:
		s.logger.Info("found two drives matching the requested chassis ids, creating a raid-1 and using it as the system disk")
		return sess.mirrorDriveTarget(ctx, storageRoot, matched[0], matched[1])
	default:
		return "", fmt.Errorf("matched %d drives for %v, need exactly 1 or 2", len(matched), disks)
	}
}

// driveInventory flattens every drive under every storage member.
func (s *Session) driveInventory(ctx context.Context, storageRoot string) ([]map[string]any, error) {
	storageDetail, ok := s.Get(ctx, storageRoot)
	if !ok {
		return nil, errors.New("reading storage root failed")
	}
	members, _ := digSlice(storageDetail, "Members")

	var drives []map[string]any
	for _, member := range members {
		memberRoot := memberID(member)
		if memberRoot == "" {
			continue
		}
		memberDetail, ok := s.Get(ctx, memberRoot)
		if !ok {
			continue
		}
		memberDrives, _ := digSlice(memberDetail, "Drives")
		for _, drive := range memberDrives {
			driveRoot := memberID(drive)
			if driveRoot == "" {
				continue
			}
			driveDetail, ok := s.Get(ctx, driveRoot)
			if !ok {
				continue
			}
			drives = append(drives, driveDetail)
		}
	}
	return drives, nil
}

// singleDriveTarget synthesizes the detect string for one physical
// drive. The index is the drive's position among the non-array drives
// sharing its model and size, matching what lsscsi enumeration yields
// inside the installer.
func singleDriveTarget(drive map[string]any, drives []map[string]any) string {
	model := driveModel(drive)
	sizeBytes := driveCapacity(drive)
	sizeHuman := FormatBytesToHuman(int64(sizeBytes))
	id, _ := digString(drive, "Id")

	index := 0
	position := 0
	for _, candidate := range drives {
		if driveModel(candidate) != model || driveCapacity(candidate) != sizeBytes || driveInArray(candidate) {
			continue
		}
		if candidateID, _ := digString(candidate, "Id"); candidateID == id {
			index = position
		}
		position++
	}

	return fmt.Sprintf("detect:%s:%s:%d", model, sizeHuman, index)
}

// mirrorDriveTarget creates a RAID-1 volume over the two matched drives
// and synthesizes the volume's detect string once the controller
// reports it.
func (s *Session) mirrorDriveTarget(ctx context.Context, storageRoot string, driveOne, driveTwo map[string]any) (string, error) {
	oneID, _ := digString(driveOne, "Id")
	twoID, _ := digString(driveTwo, "Id")
	onePath, _ := digString(driveOne, "@odata.id")
	twoPath, _ := digString(driveTwo, "@odata.id")

	oneController := lastColonSegment(oneID)
	twoController := lastColonSegment(twoID)
	if oneController != twoController {
		return "", fmt.Errorf("drives %s and %s are not on the same controller", oneID, twoID)
	}

	controllerRoot := strings.TrimRight(storageRoot, "/") + "/" + oneController
	controllerDetail, ok := s.Get(ctx, controllerRoot)
	if !ok {
		return "", errors.New("reading storage controller failed")
	}
	controllerName := firstWord(controllerDetail, "Name")

	volumeRoot, ok := digString(controllerDetail, "Volumes", "@odata.id")
	if !ok {
		return "", errors.New("storage controller has no volume collection")
	}

	before, err := s.volumeMembers(ctx, volumeRoot)
	if err != nil {
		return "", err
	}
	known := make(map[string]struct{}, len(before))
	for _, v := range before {
		known[v] = struct{}{}
	}

	payload := map[string]any{
		"VolumeType": "Mirrored",
		"Drives": []map[string]any{
			{"@odata.id": onePath},
			{"@odata.id": twoPath},
		},
	}
	s.Post(ctx, volumeRoot, payload)

	// Volume creation is asynchronous; poll until a new member shows up.
	var volumePath string
	var after []string
	for volumePath == "" {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(volumePollInterval):
		}

		after, err = s.volumeMembers(ctx, volumeRoot)
		if err != nil {
			return "", err
		}
		for _, v := range after {
			if _, ok := known[v]; !ok {
				volumePath = v
				break
			}
		}
	}

	volumeIndex := 0
	for idx, v := range after {
		if v == volumePath {
			volumeIndex = idx
			break
		}
	}

	volumeDetail, ok := s.Get(ctx, volumePath)
	if !ok {
		return "", errors.New("reading created volume failed")
	}
	sizeHuman := FormatBytesToHuman(int64(driveCapacity(volumeDetail)))

	return fmt.Sprintf("detect:%s:%s:%d", controllerName, sizeHuman, volumeIndex), nil
}

func (s *Session) volumeMembers(ctx context.Context, volumeRoot string) ([]string, error) {
	detail, ok := s.Get(ctx, volumeRoot)
	if !ok {
		return nil, errors.New("reading volume collection failed")
	}
	members, _ := digSlice(detail, "Members")
	paths := make([]string, 0, len(members))
	for _, member := range members {
		if id := memberID(member); id != "" {
			paths = append(paths, id)
		}
	}
	return paths, nil
}

// driveInArray reports whether the drive already belongs to a volume.
// Pass-through drives link a synthetic volume named after themselves;
// anything else means the drive is claimed by a real array.
func driveInArray(drive map[string]any) bool {
	volumes, ok := digSlice(drive, "Links", "Volumes")
	if !ok || len(volumes) == 0 {
		return false
	}
	first, ok := volumes[0].(map[string]any)
	if !ok {
		return false
	}
	volumeID, _ := digString(first, "@odata.id")
	segments := strings.Split(strings.TrimRight(volumeID, "/"), "/")
	id, _ := digString(drive, "Id")
	return segments[len(segments)-1] != id
}

func driveModel(drive map[string]any) string {
	return firstWord(drive, "Model")
}

func driveCapacity(drive map[string]any) float64 {
	v, _ := dig(drive, "CapacityBytes")
	f, _ := v.(float64)
	return f
}

// firstWord returns the first whitespace-separated word of a string
// field, or INVALID when missing or blank.
func firstWord(m map[string]any, key string) string {
	v, _ := digString(m, key)
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return "INVALID"
	}
	return fields[0]
}

func lastColonSegment(s string) string {
	parts := strings.Split(s, ":")
	return parts[len(parts)-1]
}
