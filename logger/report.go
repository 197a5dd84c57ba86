package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsKalshi     int64
	errorsPolymarket int64
	warnsKalshi      int64
	warnsPolymarket  int64
	feedReads        int64
	feedDrops        int64
	decodeErrors     int64
	sequenceGaps     int64
	resyncs          int64
	eventsPublished  int64
	clientFrames     int64
	clientsActive    int64
	archiveWrites    int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "kalshi") {
		atomic.AddInt64(&warnsKalshi, 1)
	} else if strings.Contains(component, "polymarket") {
		atomic.AddInt64(&warnsPolymarket, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "kalshi") {
		atomic.AddInt64(&errorsKalshi, 1)
	} else if strings.Contains(component, "polymarket") {
		atomic.AddInt64(&errorsPolymarket, 1)
	}
}

func IncrementFeedRead(venue string, size int) {
	atomic.AddInt64(&feedReads, 1)
	recordChannel(venue+"_ws", size)
}

func IncrementFeedDrop(venue string) {
	atomic.AddInt64(&feedDrops, 1)
	recordChannel(venue+"_drop", 0)
}

func IncrementDecodeError(venue string) {
	atomic.AddInt64(&decodeErrors, 1)
	recordChannel(venue+"_decode_error", 0)
}

func IncrementSequenceGap(venue string) {
	atomic.AddInt64(&sequenceGaps, 1)
	recordChannel(venue+"_gap", 0)
}

func IncrementResync(venue string) {
	atomic.AddInt64(&resyncs, 1)
	recordChannel(venue+"_resync", 0)
}

func IncrementEventPublished() {
	atomic.AddInt64(&eventsPublished, 1)
}

func IncrementClientFrame(size int) {
	atomic.AddInt64(&clientFrames, 1)
	recordChannel("client_out", size)
}

func ClientConnected() {
	atomic.AddInt64(&clientsActive, 1)
}

func ClientDisconnected() {
	atomic.AddInt64(&clientsActive, -1)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_kalshi":     atomic.LoadInt64(&errorsKalshi),
		"errors_polymarket": atomic.LoadInt64(&errorsPolymarket),
		"warns_kalshi":      atomic.LoadInt64(&warnsKalshi),
		"warns_polymarket":  atomic.LoadInt64(&warnsPolymarket),
		"feed_reads":        atomic.LoadInt64(&feedReads),
		"feed_drops":        atomic.LoadInt64(&feedDrops),
		"decode_errors":     atomic.LoadInt64(&decodeErrors),
		"sequence_gaps":     atomic.LoadInt64(&sequenceGaps),
		"resyncs":           atomic.LoadInt64(&resyncs),
		"events_published":  atomic.LoadInt64(&eventsPublished),
		"client_frames":     atomic.LoadInt64(&clientFrames),
		"clients_active":    atomic.LoadInt64(&clientsActive),
		"archive_writes":    atomic.LoadInt64(&archiveWrites),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-ErrorsKalshi"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_kalshi"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-ErrorsPolymarket"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_polymarket"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-FeedReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-FeedDrops"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_drops"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-DecodeErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["decode_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-SequenceGaps"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sequence_gaps"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-Resyncs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["resyncs"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-EventsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_published"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-ClientsActive"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["clients_active"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Predictflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Predictflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Predictflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
