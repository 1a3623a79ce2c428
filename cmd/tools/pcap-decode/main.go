// pcap-decode replays a capture of raw Velodyne packets through the decoder
// and reports on the result: packet/point counts, per-ring range statistics,
// and optional scatter renders or SQLite export of the decoded cloud.
// PCAP reading requires building with -tags=pcap.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/banshee-data/velodyne-rawdata/internal/config"
	"github.com/banshee-data/velodyne-rawdata/internal/pointstore"
	"github.com/banshee-data/velodyne-rawdata/internal/replay"
	"github.com/banshee-data/velodyne-rawdata/internal/report"
	"github.com/banshee-data/velodyne-rawdata/internal/velodyne"
)

var (
	pcapFile    = flag.String("pcap", "", "Path to the PCAP capture (required)")
	udpPort     = flag.Int("port", config.DefaultUDPPort, "UDP port carrying sensor packets")
	configFile  = flag.String("config", "", "Path to decoder config JSON (optional)")
	calibration = flag.String("calibration", "", "Path to calibration YAML (overrides config file)")
	deviceModel = flag.String("device-model", "", "Device model hint, e.g. VLP32 (overrides config file)")
	statsJSON   = flag.Bool("stats", false, "Print per-ring range statistics as JSON")
	htmlOut     = flag.String("plot", "", "Write an interactive scatter of the decoded cloud to this HTML file")
	pngOut      = flag.String("png", "", "Write a static scatter of the decoded cloud to this PNG file")
	dbPath      = flag.String("db", "", "Export decoded points to this SQLite file")
	maxPoints   = flag.Int("max-plot-points", 8000, "Downsample plots above this point count")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := &config.DecoderConfig{}
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *calibration != "" {
		cfg.Calibration = calibration
	}
	if *deviceModel != "" {
		cfg.DeviceModel = deviceModel
	}

	params := cfg.DecoderParams()
	decoder, err := velodyne.NewDecoder(params)
	if err != nil {
		log.Fatalf("Failed to initialize decoder: %v", err)
	}

	pc := velodyne.NewPointCloud(1 << 20)
	packets, rejected := 0, 0
	var totalSweep float64

	start := time.Now()
	err = replay.ReadPCAPFile(context.Background(), *pcapFile, *udpPort, func(payload []byte, stamp time.Time) error {
		packets++
		sweep := decoder.UnpackAndAdd(&velodyne.Packet{Data: payload, Stamp: stamp}, pc)
		if sweep < 0 {
			rejected++
		} else {
			totalSweep += sweep
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	log.Printf("Decoded %d packets (%d rejected) into %d points in %v; %.1f rotations swept",
		packets, rejected, pc.Len(), time.Since(start), totalSweep/36000)

	if *statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report.ComputeRingStats(pc.Points())); err != nil {
			log.Fatalf("Failed to encode ring stats: %v", err)
		}
	}

	if *htmlOut != "" {
		f, err := os.Create(*htmlOut)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *htmlOut, err)
		}
		if err := report.WriteSweepScatter(f, fmt.Sprintf("%s (%s)", *pcapFile, decoder.Model()), pc.Points(), *maxPoints); err != nil {
			log.Fatalf("Failed to write scatter: %v", err)
		}
		f.Close()
		log.Printf("Wrote scatter to %s", *htmlOut)
	}

	if *pngOut != "" {
		if err := report.WriteSweepPNG(*pngOut, fmt.Sprintf("%s (%s)", *pcapFile, decoder.Model()), pc.Points()); err != nil {
			log.Fatalf("Failed to write PNG: %v", err)
		}
		log.Printf("Wrote scatter to %s", *pngOut)
	}

	if *dbPath != "" {
		store, err := pointstore.NewPointStore(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open point store: %v", err)
		}
		defer store.Close()

		session, err := store.BeginSession(decoder.Model().String(), params.CalibrationFile)
		if err != nil {
			log.Fatalf("Failed to begin decode session: %v", err)
		}
		if err := store.InsertBatch(session, pc.Points()); err != nil {
			log.Fatalf("Failed to export points: %v", err)
		}
		log.Printf("Exported %d points to %s (session %s)", pc.Len(), *dbPath, session)
	}
}
