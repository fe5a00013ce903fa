/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package helperpod

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// blkGetSize64 is the ioctl request number for BLKGETSIZE64, which reports a
// block device's size in bytes as a uint64.
const blkGetSize64 = 0x80081272

// BlockDeviceSize returns the size in bytes of the block device at path.
func BlockDeviceSize(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("helperpod: opening block device %s: %w", path, err)
	}
	defer f.Close()

	size, err := unix.IoctlGetUint64(int(f.Fd()), blkGetSize64)
	if err != nil {
		return 0, fmt.Errorf("helperpod: BLKGETSIZE64 on %s: %w", path, err)
	}
	return int64(size), nil
}

// findTopLevelMounts returns every mount point under dir (excluding dir
// itself) that is not itself under any other mount point listed in
// /proc/self/mountinfo other than dir or one of its ancestors. Unmounting
// exactly these paths, repeated until none remain, removes an arbitrarily
// layered stack of mounts without ever attempting to unmount a path whose
// parent mount was already torn down.
func findTopLevelMounts(dir string) ([]string, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("helperpod: findTopLevelMounts: %q is not absolute", dir)
	}
	dir = filepath.Clean(dir)

	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, fmt.Errorf("helperpod: reading /proc/self/mountinfo: %w", err)
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mp := unescapeMountinfoPath(fields[4])
		if filepath.IsAbs(mp) {
			all = append(all, filepath.Clean(mp))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("helperpod: scanning /proc/self/mountinfo: %w", err)
	}

	var underDir []string
	for _, mp := range all {
		if isUnder(mp, dir) {
			underDir = append(underDir, mp)
		}
	}

	var topLevel []string
	for _, mp := range underDir {
		shadowed := false
		for _, other := range underDir {
			if other != mp && isUnder(mp, other) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			topLevel = append(topLevel, mp)
		}
	}
	return topLevel, nil
}

// IsUnder reports whether path is strictly under ancestor. Exported for
// callers (such as the node agent's staging-pod volume resolution) that must
// confirm a resolved path didn't escape a side-channel directory via a
// symlink.
func IsUnder(path, ancestor string) bool {
	return isUnder(path, ancestor)
}

// isUnder reports whether path is strictly under ancestor.
func isUnder(path, ancestor string) bool {
	rel, err := filepath.Rel(ancestor, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// unescapeMountinfoPath decodes the octal escapes (e.g. \040 for a space)
// that the kernel uses for whitespace and backslashes in mountinfo fields.
func unescapeMountinfoPath(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
