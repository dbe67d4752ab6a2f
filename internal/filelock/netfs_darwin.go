//go:build darwin

package filelock

import (
	"strings"
	"syscall"
)

func isNetworkFS(dir string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return false
	}
	return isNetworkFSType(int8ToString(st.Fstypename[:]))
}

func int8ToString(buf []int8) string {
	out := make([]byte, 0, len(buf))
	for _, b := range buf {
		if b == 0 {
			break
		}
		out = append(out, byte(b))
	}
	return string(out)
}

func isNetworkFSType(fsType string) bool {
	switch strings.ToLower(strings.TrimSpace(fsType)) {
	case "nfs", "nfs4", "smbfs", "afpfs", "webdav":
		return true
	default:
		return false
	}
}
