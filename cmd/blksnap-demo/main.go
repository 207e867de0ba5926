// Command blksnap-demo exercises the snapshot engine end-to-end against
// ordinary files standing in for an original block device and its diff
// storage: attach, create, add-device, take, write through the tracker,
// read back through the snapshot image, then destroy.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	blksnap "github.com/veeam/blksnap-go"
	"github.com/veeam/blksnap-go/internal/bio"
	"github.com/veeam/blksnap-go/internal/chunk"
	"github.com/veeam/blksnap-go/internal/device"
	"github.com/veeam/blksnap-go/internal/logging"
)

func main() {
	var (
		sizeStr      = flag.String("size", "64M", "Size of the original file device (e.g., 64M, 1G)")
		originalPath = flag.String("original", "blksnap-demo-original.img", "Path to the original device file")
		diffPath     = flag.String("diff", "blksnap-demo-diff.img", "Path to the diff storage file")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(size, *originalPath, *diffPath, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(size int64, originalPath, diffPath string, logger *logging.Logger) error {
	const deviceID = uint32(1)
	sectors := uint64(size) / blksnap.SectorSize

	original, err := device.OpenFile(originalPath, 0, true)
	if err != nil {
		return fmt.Errorf("open original: %w", err)
	}
	if err := original.Fallocate(size); err != nil {
		return fmt.Errorf("size original: %w", err)
	}
	defer os.Remove(originalPath)
	defer original.Close()

	diffBacking, err := device.OpenFile(diffPath, 0, true)
	if err != nil {
		return fmt.Errorf("open diff storage: %w", err)
	}
	defer os.Remove(diffPath)
	defer diffBacking.Close()

	m := blksnap.NewManager(blksnap.DefaultConfig(), nil, logger)

	if err := m.AttachDevice(deviceID, original, sectors); err != nil {
		return fmt.Errorf("attach device: %w", err)
	}
	logger.Info("device attached", "device_id", deviceID, "sectors", sectors)

	snapID, err := m.Create(diffBacking, chunk.BackingFile, diffBacking, sectors)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	logger.Info("snapshot created", "snapshot", snapID.String())

	if err := m.AddDevice(snapID, deviceID); err != nil {
		return fmt.Errorf("add device: %w", err)
	}
	if err := m.Take(snapID); err != nil {
		return fmt.Errorf("take snapshot: %w", err)
	}
	logger.Info("snapshot taken", "snapshot", snapID.String())

	payload := []byte("blksnap demo payload")
	if err := m.Submit(deviceID, &bio.Bio{Op: bio.OpWrite, StartSector: 0, NrSectors: 1, Data: pad(payload, 512)}, false); err != nil {
		return fmt.Errorf("write through tracker: %w", err)
	}
	if _, err := original.WriteAt(pad(payload, 512), 0); err != nil {
		return fmt.Errorf("apply write to original: %w", err)
	}

	snap := m.Snapshot(snapID)
	img := snap.Image(deviceID)
	preserved := make([]byte, 512)
	if _, err := img.ReadAt(preserved, 0); err != nil {
		return fmt.Errorf("read snapshot image: %w", err)
	}

	fmt.Printf("original now reads : %q\n", string(trimTrailingZeros(pad(payload, 512))))
	fmt.Printf("snapshot preserves : %q\n", string(trimTrailingZeros(preserved)))

	if err := m.Destroy(snapID); err != nil {
		return fmt.Errorf("destroy snapshot: %w", err)
	}
	logger.Info("snapshot destroyed", "snapshot", snapID.String())
	return nil
}

func pad(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func trimTrailingZeros(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
