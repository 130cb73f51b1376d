package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/semaphore"

	"streamcore/pkg/admission"
	"streamcore/pkg/bufstream"
	"streamcore/pkg/config"
	"streamcore/pkg/connpool"
	"streamcore/pkg/fetch"
	"streamcore/pkg/logger"
	"streamcore/pkg/nntp"
	"streamcore/pkg/nzb"
	"streamcore/pkg/providers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)

	if len(os.Args) < 2 {
		logger.Fatal("usage: streamcore <path-to.nzb>")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	doc, err := nzb.ParseFile(os.Args[1])
	if err != nil {
		logger.Fatal("failed to parse nzb", "path", os.Args[1], "err", err)
	}
	file := doc.LargestFile()
	if file == nil || len(file.Segments) == 0 {
		logger.Fatal("nzb has no content file")
	}
	logger.Info("streaming nzb", "subject", file.Subject, "segments", len(file.Segments))

	// seg.Bytes is the declared *encoded* size as posted, not the decoded
	// byte count BufferedSegmentStream needs for offsets/degrade sizing; it
	// is fed in as EncodedSizes so the SizeEstimator can learn the
	// encoded->decoded ratio from the first segment or two it actually
	// decodes, rather than being passed off as SegmentSizes.
	segmentIds := make([]fetch.SegmentId, len(file.Segments))
	encodedSizes := make([]int64, len(file.Segments))
	var totalEncoded int64
	for i, seg := range file.Segments {
		segmentIds[i] = fetch.SegmentId(seg.ID)
		encodedSizes[i] = seg.Bytes
		totalEncoded += seg.Bytes
	}

	limiter := admission.New(cfg.QueueGuaranteedConnections, cfg.HealthCheckGuaranteedConnections, cfg.StreamingGuaranteed())
	globalSem := semaphore.NewWeighted(int64(cfg.TotalPooledConnections))

	client := providers.New(buildProviders(cfg, globalSem), 1024)

	// totalEncoded approximates the stream's total length until decoded
	// sizes are known; Seek falls back to header-probe interpolation search
	// rather than trusting it as an exact decoded byte count (see
	// NzbFileStream.locateSegment).
	estimator := bufstream.NewSizeEstimator()
	stream, err := bufstream.NewNzbFileStream(ctx, client, limiter, segmentIds, nil, encodedSizes, totalEncoded, bufstream.NzbFileStreamOptions{
		WorkerCount:        cfg.ConnectionsPerStream,
		BufferCapacity:     cfg.BufferSegmentCount,
		StragglerThreshold: time.Duration(cfg.StragglerThresholdMs) * time.Millisecond,
		MaxRetries:         cfg.MaxPerSegmentRetries,
		IncompleteFraction: cfg.IncompleteSizeFraction,
		SeekLoopGuard:      cfg.SeekLoopGuard,
		Estimator:          estimator,
		OnCorrupt: func(index int) {
			logger.Warn("segment degraded to zero-fill", "index", index)
		},
	})
	if err != nil {
		logger.Fatal("failed to open nzb file stream", "err", err)
	}
	defer stream.Close()

	if _, err := io.Copy(os.Stdout, stream); err != nil && err != io.EOF {
		logger.Fatal("stream terminated with error", "err", err)
	}
}

// buildProviders wires each configured Provider into an nntp.Dialer, a
// connpool.ConnectionPool sharing the global connection semaphore, and the
// stateless nntp.Client, the same shape the teacher's main wires one
// ClientPool per provider in.
func buildProviders(cfg *config.Config, globalSem *semaphore.Weighted) []*providers.Provider {
	client := nntp.NewClient()
	result := make([]*providers.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		dialer := &nntp.Dialer{
			Host: p.Host,
			Port: p.Port,
			SSL:  p.UseSSL,
			User: p.Username,
			Pass: p.Password,
		}
		pool := connpool.New(dialer, globalSem, int64(p.Connections), 90*time.Second)
		result = append(result, &providers.Provider{
			Name:     p.Name,
			Priority: p.Priority,
			Pool:     pool,
			Client:   client,
		})
	}
	return result
}
