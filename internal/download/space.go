package download

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// freeSpaceFunc reports free bytes on the volume holding dir.
type freeSpaceFunc func(ctx context.Context, dir string) (uint64, error)

func diskFree(ctx context.Context, dir string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// checkSpace fails with ErrInsufficientSpace when dir cannot hold need bytes.
// An unreadable volume is logged and allowed.
func checkSpace(ctx context.Context, free freeSpaceFunc, dir string, need int64) error {
	if free == nil || need <= 0 {
		return nil
	}
	avail, err := free(ctx, dir)
	if err != nil {
		slog.Warn("free space check skipped", "event", "disk_usage_error", "dir", dir, "error", err)
		return nil
	}
	if avail < uint64(need) {
		return fmt.Errorf("%w: need %s, %s free in %s", ErrInsufficientSpace,
			humanize.IBytes(uint64(need)), humanize.IBytes(avail), dir)
	}
	return nil
}
