//go:build windows

package diskguard

import "golang.org/x/sys/windows"

// statfs reports free and total bytes for the volume holding path.
func statfs(path string) (free, total uint64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var freeBytes, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeBytes, &totalBytes, &totalFree); err != nil {
		return 0, 0, err
	}
	return freeBytes, totalBytes, nil
}
