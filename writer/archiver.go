package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
)

// Archiver buffers canonical events per market and flushes them to S3 as
// parquet files, partitioned by venue, market and date. Snapshots and
// health events are not archived; trades, deltas and tickers are.
type Archiver struct {
	config   *appconfig.Config
	events   <-chan models.Event
	s3Client *s3.Client
	log      *logger.Log

	mu     sync.Mutex
	buffer map[models.MarketKey][]ParquetRecord

	flushTicker *time.Ticker
	ctx         context.Context
	wg          sync.WaitGroup
	running     bool
}

func NewArchiver(cfg *appconfig.Config, events <-chan models.Event) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archiver initialized")

	return &Archiver{
		config:   cfg,
		events:   events,
		s3Client: s3Client,
		log:      log,
		buffer:   make(map[models.MarketKey][]ParquetRecord),
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.flushTicker = time.NewTicker(a.config.Archive.FlushInterval)
	a.mu.Unlock()

	log := a.log.WithComponent("archiver")
	log.WithFields(logger.Fields{
		"flush_interval": a.config.Archive.FlushInterval.String(),
		"max_batch":      a.config.Archive.MaxBatch,
	}).Info("starting archiver")

	a.wg.Add(2)
	go a.worker()
	go a.flushWorker()
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.flushTicker.Stop()
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-a.events:
			if !ok {
				return
			}
			a.addEvent(ev)
		}
	}
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

// addEvent buffers the event's rows, flushing the market early when it
// crosses the batch ceiling.
func (a *Archiver) addEvent(ev models.Event) {
	rows := rowsFromEvent(ev)
	if len(rows) == 0 {
		return
	}
	key := models.MarketKey{Venue: ev.Venue, Market: ev.Market}

	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], rows...)
	full := a.config.Archive.MaxBatch > 0 && len(a.buffer[key]) >= a.config.Archive.MaxBatch
	var batch []ParquetRecord
	if full {
		batch = a.buffer[key]
		delete(a.buffer, key)
	}
	a.mu.Unlock()

	if full {
		a.uploadBatch(key, batch, "max_batch")
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[models.MarketKey][]ParquetRecord)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for key, rows := range buffers {
		a.uploadBatch(key, rows, reason)
	}
}

func (a *Archiver) uploadBatch(key models.MarketKey, rows []ParquetRecord, reason string) {
	if len(rows) == 0 {
		return
	}
	start := time.Now()
	now := start.UTC()
	objectKey := a.objectKey(key, now)
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"venue":        key.Venue,
		"market":       key.Market,
		"record_count": len(rows),
		"s3_key":       objectKey,
		"reason":       reason,
	})

	data, err := buildParquetFile(rows)
	if err != nil {
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	if err := a.upload(objectKey, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementArchiveWrite(int64(len(rows)))
	a.log.LogMetric("archiver", "rows_written", len(rows), "counter", logger.Fields{
		"venue":  string(key.Venue),
		"reason": reason,
	})
	logger.LogPerformanceEntry(log, "archiver", "upload_batch", time.Since(start), logger.Fields{
		"file_size": len(data),
	})
}

// objectKey builds the partitioned path, e.g.
// events/venue=kalshi/market=PRES-2028/date=2025-06-01/kalshi_PRES-2028_20250601120000.parquet
func (a *Archiver) objectKey(key models.MarketKey, now time.Time) string {
	filename := fmt.Sprintf("%s_%s_%s.parquet", key.Venue, key.Market, now.Format("20060102150405"))
	return filepath.ToSlash(filepath.Join(
		a.config.Archive.Prefix,
		fmt.Sprintf("venue=%s", key.Venue),
		fmt.Sprintf("market=%s", key.Market),
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		filename,
	))
}

func (a *Archiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":        "parquet",
			"predictflow-version": a.config.Predictflow.Version,
		},
	}

	// Shutdown flushes must not be cut short by the run context.
	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}

// rowsFromEvent flattens one canonical event into archive rows. Snapshots
// and health events produce none.
func rowsFromEvent(ev models.Event) []ParquetRecord {
	switch ev.Type {
	case models.EventTrade:
		if ev.Trade == nil {
			return nil
		}
		price, _ := ev.Trade.Price.Float64()
		size, _ := ev.Trade.Size.Float64()
		return []ParquetRecord{{
			Venue:     string(ev.Venue),
			Market:    ev.Market,
			EventType: string(models.EventTrade),
			Sequence:  int64(ev.Sequence),
			Side:      string(ev.Trade.Side),
			Price:     price,
			Size:      size,
			TradeID:   ev.Trade.TradeID,
			Timestamp: ev.Trade.TradedAt.UnixMilli(),
		}}
	case models.EventDelta:
		rows := make([]ParquetRecord, 0, len(ev.Changes))
		for _, ch := range ev.Changes {
			price, _ := ch.Price.Float64()
			size, _ := ch.Size.Float64()
			rows = append(rows, ParquetRecord{
				Venue:     string(ev.Venue),
				Market:    ev.Market,
				EventType: string(models.EventDelta),
				Sequence:  int64(ev.Sequence),
				Side:      string(ch.Side),
				Price:     price,
				Size:      size,
				Timestamp: ev.Received.UnixMilli(),
			})
		}
		return rows
	case models.EventTicker:
		if ev.Ticker == nil {
			return nil
		}
		price, _ := ev.Ticker.LastPrice.Float64()
		volume, _ := ev.Ticker.Volume.Float64()
		return []ParquetRecord{{
			Venue:     string(ev.Venue),
			Market:    ev.Market,
			EventType: string(models.EventTicker),
			Sequence:  int64(ev.Sequence),
			Price:     price,
			Size:      volume,
			Timestamp: ev.Ticker.UpdatedAt.UnixMilli(),
		}}
	default:
		return nil
	}
}
