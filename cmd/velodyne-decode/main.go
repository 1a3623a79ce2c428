// velodyne-decode listens for raw Velodyne UDP packets, decodes them into
// calibrated points and optionally persists them to a SQLite point store.
// The decoder core is transport-agnostic; this binary is the transport glue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/velodyne-rawdata/internal/config"
	"github.com/banshee-data/velodyne-rawdata/internal/pointstore"
	"github.com/banshee-data/velodyne-rawdata/internal/velodyne"
)

var (
	configFile  = flag.String("config", "", "Path to decoder config JSON (optional)")
	calibration = flag.String("calibration", "", "Path to calibration YAML (overrides config file)")
	deviceModel = flag.String("device-model", "", "Device model hint, e.g. VLP32 (overrides config file)")
	udpPort     = flag.Int("udp-port", 0, "UDP port to listen for sensor packets (overrides config file)")
	udpAddress  = flag.String("udp-addr", "", "UDP bind address (default: all interfaces)")
	dbFile      = flag.String("db", "", "SQLite point store path; empty disables persistence")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	logInterval = flag.Int("log-interval", 2, "Statistics logging interval in seconds")
)

// PacketStats tracks receive-loop throughput for the periodic log line.
type PacketStats struct {
	mu          sync.Mutex
	packetCount int64
	byteCount   int64
	pointCount  int64
	rejectCount int64
	lastReset   time.Time
}

func (ps *PacketStats) Add(bytes, points int, rejected bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
	ps.pointCount += int64(points)
	if rejected {
		ps.rejectCount++
	}
}

func (ps *PacketStats) GetAndReset() (packets, bytes, points, rejects int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets, bytes, points, rejects = ps.packetCount, ps.byteCount, ps.pointCount, ps.rejectCount
	ps.packetCount, ps.byteCount, ps.pointCount, ps.rejectCount = 0, 0, 0, 0
	ps.lastReset = now
	return
}

func loadConfig() (*config.DecoderConfig, error) {
	cfg := &config.DecoderConfig{}
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *calibration != "" {
		cfg.Calibration = calibration
	}
	if *deviceModel != "" {
		cfg.DeviceModel = deviceModel
	}
	if *udpPort != 0 {
		cfg.UDPPort = udpPort
	}
	if *dbFile != "" {
		cfg.DBPath = dbFile
	}
	return cfg, nil
}

func listenUDP(ctx context.Context, address string, decoder *velodyne.Decoder, store *pointstore.PointStore, session string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %v", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(*rcvBuf); err != nil {
		log.Printf("Warning: failed to set UDP receive buffer to %d bytes: %v", *rcvBuf, err)
	}
	log.Printf("Listening for sensor packets on %s", address)

	stats := &PacketStats{lastReset: time.Now()}

	go func() {
		ticker := time.NewTicker(time.Duration(*logInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				packets, bytes, points, rejects, duration := stats.GetAndReset()
				if packets == 0 {
					continue
				}
				msg := fmt.Sprintf("Decode stats (/sec): %.1f MB, %.1f packets, %.0f points",
					float64(bytes)/duration.Seconds()/(1024*1024),
					float64(packets)/duration.Seconds(),
					float64(points)/duration.Seconds())
				if rejects > 0 {
					msg += fmt.Sprintf(", %d rejected", rejects)
				}
				log.Print(msg)
			}
		}
	}()

	buffer := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			log.Println("UDP listener shutting down")
			return ctx.Err()
		default:
			if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
				log.Printf("Error setting read deadline: %v", err)
				continue
			}
			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				log.Printf("Error reading UDP packet: %v", err)
				continue
			}

			pkt := velodyne.Packet{Data: buffer[:n], Stamp: time.Now()}
			pc := velodyne.NewPointCloud(velodyne.BLOCKS_PER_PACKET * velodyne.SCANS_PER_BLOCK)
			sweep := decoder.UnpackAndAdd(&pkt, pc)
			stats.Add(n, pc.Len(), sweep < 0 && pc.Len() == 0)

			if store != nil && pc.Len() > 0 {
				if err := store.InsertBatch(session, pc.Points()); err != nil {
					log.Printf("Failed to store points: %v", err)
				}
			}
		}
	}
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	params := cfg.DecoderParams()
	decoder, err := velodyne.NewDecoder(params)
	if err != nil {
		log.Fatalf("Failed to initialize decoder: %v", err)
	}

	var store *pointstore.PointStore
	var session string
	if cfg.DBPath != nil && *cfg.DBPath != "" {
		store, err = pointstore.NewPointStore(*cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to open point store: %v", err)
		}
		defer store.Close()

		session, err = store.BeginSession(decoder.Model().String(), params.CalibrationFile)
		if err != nil {
			log.Fatalf("Failed to begin decode session: %v", err)
		}
		log.Printf("Persisting points to %s (session %s)", *cfg.DBPath, session)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address := fmt.Sprintf("%s:%d", *udpAddress, cfg.UDPPortOrDefault())
	if err := listenUDP(ctx, address, decoder, store, session); err != nil && ctx.Err() == nil {
		log.Fatalf("UDP listener failed: %v", err)
	}
}
