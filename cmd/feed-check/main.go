package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/aboveme/internal/logging"
	"github.com/unklstewy/aboveme/pkg/adsb"
	"github.com/unklstewy/aboveme/pkg/config"
	"github.com/unklstewy/aboveme/pkg/geomath"
	"github.com/unklstewy/aboveme/pkg/tracking"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	zoneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// feed-check fetches one snapshot from the configured receiver, parses and
// enriches it, and prints the closest aircraft with their zone status.
// Useful for checking the feed URL, format and receiver position before
// running aboveme.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	file := flag.String("file", "", "Read the snapshot from a file instead of the feed URL")
	limit := flag.Int("n", 10, "Number of aircraft to show")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var source adsb.DataSource
	switch {
	case *file != "":
		source = adsb.NewFileSource(*file)
	case cfg.Feed.File != "":
		source = adsb.NewFileSource(cfg.Feed.File)
	default:
		source = adsb.NewHTTPSource(cfg.Feed.URL, cfg.Feed.Timeout(), 0)
	}
	defer source.Close()

	parser, err := adsb.NewParser(cfg.Feed.Format)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := adsb.RetryWithBackoffResult(ctx, adsb.FeedRetryConfig(), func() ([]byte, error) {
		return source.FetchSnapshot(ctx)
	})
	if err != nil {
		log.Fatalf("Failed to fetch snapshot: %v", err)
	}

	ts, err := parser.ExtractTimestamp(raw)
	if err != nil {
		log.Fatalf("Failed to read snapshot timestamp: %v", err)
	}
	feed, err := parser.Parse(raw)
	if err != nil {
		log.Fatalf("Failed to parse snapshot: %v", err)
	}

	enricher, err := tracking.NewEnricher(tracking.Receiver{
		Point:      geomath.Point{Lat: cfg.Receiver.Latitude, Lon: cfg.Receiver.Longitude},
		AltitudeFt: cfg.Receiver.AltitudeFt,
	}, logging.Discard())
	if err != nil {
		log.Fatalf("Invalid receiver position: %v", err)
	}
	tracker := tracking.NewTracker(cfg.Alarm.DistanceAlarmMi, cfg.Alarm.ElevationAlarmDeg, cfg.Alarm.WaitUpdates, logging.Discard())
	snap := enricher.EnrichAll(feed)

	age := time.Since(adsb.EpochToTime(ts)).Round(100 * time.Millisecond)
	fmt.Println(headerStyle.Render(fmt.Sprintf("%s snapshot at %s (%s old)", parser.Name(), adsb.EpochToTime(ts).Local().Format("15:04:05"), age)))
	fmt.Printf("Receiver: %s %.4f, %.4f, %.0f ft\n", cfg.Receiver.Name, cfg.Receiver.Latitude, cfg.Receiver.Longitude, cfg.Receiver.AltitudeFt)
	fmt.Printf("Aircraft: %d  dropped: %d  skipped: %d\n\n", len(snap.Aircraft), feed.Dropped, len(snap.Skipped))

	located := make([]tracking.EnrichedObservation, 0, len(snap.Aircraft))
	noPosition := 0
	for _, a := range snap.Aircraft {
		if !a.Locatable() {
			noPosition++
			continue
		}
		located = append(located, a)
	}
	sort.Slice(located, func(i, j int) bool { return located[i].Distance < located[j].Distance })

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-7s %-9s %7s %6s %6s %7s %4s %6s", "HEX", "IDENT", "DIST", "AZ", "EL", "ALT", "HDG", "MPH")))
	for i, a := range located {
		if i >= *limit {
			fmt.Println(dimStyle.Render(fmt.Sprintf("... and %d more aircraft", len(located)-*limit)))
			break
		}
		speed := 0.0
		if a.Speed != nil {
			speed = *a.Speed
		}
		line := fmt.Sprintf("%-7s %-9s %6.1fmi %6.1f %6.1f %7.0f %4s %6.0f",
			a.Hex, a.Ident(), a.Distance, a.Azimuth, a.Elevation, a.Altitude, geomath.HeadingLabel(a.Track), speed)
		if tracker.InZone(a) {
			line = zoneStyle.Render(line + "  IN ZONE")
		}
		fmt.Println(line)
	}
	if noPosition > 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("\n%d aircraft without a position", noPosition)))
	}

	if len(located) == 0 && noPosition == 0 {
		os.Exit(2)
	}
}
