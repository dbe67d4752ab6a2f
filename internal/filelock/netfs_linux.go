//go:build linux

package filelock

import "golang.org/x/sys/unix"

const (
	nfsSuperMagic  = 0x6969
	smbSuperMagic  = 0x517b
	cifsMagic      = 0xff534d42
	smb2MagicValue = 0xfe534d42
)

func isNetworkFS(dir string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false
	}
	switch uint32(st.Type) {
	case nfsSuperMagic, smbSuperMagic, cifsMagic, smb2MagicValue:
		return true
	default:
		return false
	}
}
