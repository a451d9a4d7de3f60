package node

import (
	"golang.org/x/sys/unix"

	"github.com/fastdfs-go/storaged/internal/storepath"
)

// diskUsage reports root's free/total space in megabytes via statfs.
func diskUsage(root string) (storepath.Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return storepath.Usage{}, err
	}
	const mb = 1024 * 1024
	block := uint64(st.Bsize)
	return storepath.Usage{
		FreeMB:  int64(st.Bavail * block / mb),
		TotalMB: int64(st.Blocks * block / mb),
	}, nil
}
