package usecase

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/logging"
)

// HostUsage is a point-in-time reading of host resource usage, in percent.
type HostUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsage     float64 `json:"disk_usage"`
}

// HostProbe reads host resource usage. diskPath selects the volume reported.
type HostProbe interface {
	Usage(ctx context.Context, diskPath string) (HostUsage, error)
}

// SystemProbe reads host usage through gopsutil.
type SystemProbe struct{}

// Usage implements HostProbe. CPU usage is measured since the previous call,
// so the first reading of a process may be zero.
func (SystemProbe) Usage(ctx context.Context, diskPath string) (HostUsage, error) {
	var usage HostUsage

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return usage, err
	}
	if len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return usage, err
	}
	usage.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return usage, err
	}
	usage.DiskUsage = du.UsedPercent
	return usage, nil
}

// RecognitionMetrics summarizes recognize outcomes from the event log.
type RecognitionMetrics struct {
	TotalRequests     int64   `json:"total_requests"`
	SuccessfulMatches int64   `json:"successful_matches"`
	SuccessRate       float64 `json:"success_rate"`
	AverageConfidence float64 `json:"average_confidence"`
}

// Stats is the server statistics document.
type Stats struct {
	RegisteredUsers      int                 `json:"registered_users"`
	TotalEncodings       int                 `json:"total_encodings"`
	RecognitionTolerance float64             `json:"recognition_tolerance"`
	DataDirectory        string              `json:"data_directory"`
	StorageBytes         int64               `json:"storage_bytes"`
	ServerInfo           HostUsage           `json:"server_info"`
	Recognition          *RecognitionMetrics `json:"recognition,omitempty"`
}

// GetStats collects gallery, storage and host statistics. Recognition metrics
// are included when an event log is configured and reachable.
func (uc *FaceUseCase) GetStats(ctx context.Context) (*Stats, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_stats", "")

	size := uc.gallery.Len()
	stats := &Stats{
		RegisteredUsers:      size,
		TotalEncodings:       size,
		RecognitionTolerance: uc.gallery.Tolerance(),
		DataDirectory:        uc.gallery.Dir(),
	}

	storageBytes, err := uc.gallery.UsageBytes()
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_stats.storage", "", err)
	}
	stats.StorageBytes = storageBytes

	usage, err := uc.host.Usage(ctx, uc.gallery.Dir())
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_stats.host", "", err)
	}
	stats.ServerInfo = usage

	if uc.events != nil {
		agg, err := uc.events.AggregateRecognitions(ctx)
		if err != nil {
			opLogger.Warn("failed to aggregate recognition metrics", zap.Error(err))
		} else {
			metrics := &RecognitionMetrics{
				TotalRequests:     agg.TotalCount,
				SuccessfulMatches: agg.SuccessCount,
				AverageConfidence: agg.AverageConfidence,
			}
			if agg.TotalCount > 0 {
				metrics.SuccessRate = float64(agg.SuccessCount) / float64(agg.TotalCount)
			}
			stats.Recognition = metrics
		}
	}

	return stats, nil
}
