// Package post composes the text of an overhead-aircraft post.
//
// Templates use ${name} placeholders; see Vars for the names. Conditional
// hashtags are appended while the post stays within MaxLength characters,
// and each appended tag gets a facet so clients render it as a link.
package post

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/unklstewy/aboveme/pkg/adsb"
	"github.com/unklstewy/aboveme/pkg/config"
	"github.com/unklstewy/aboveme/pkg/geomath"
	"github.com/unklstewy/aboveme/pkg/tracking"
)

// MaxLength is the post length limit in characters.
const MaxLength = 300

// Unknown is the value of any metadata that could not be looked up.
const Unknown = "n/a"

// Post is a composed post ready for publishing.
type Post struct {
	Text   string
	Facets []Facet
	Image  *Image
}

// Facet marks a hashtag in Text by UTF-8 byte offsets [ByteStart, ByteEnd).
type Facet struct {
	ByteStart int
	ByteEnd   int

	// Tag is the hashtag without '#'
	Tag string
}

// Image is an attached screenshot.
type Image struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	Alt      string
}

// Metadata is what the lookup service knows about an aircraft.
// Empty fields are rendered as Unknown.
type Metadata struct {
	Registration string
	AircraftType string
	Operator     string
	Route        string
}

// Composer renders posts from a template.
type Composer struct {
	template       string
	defaultTag     string
	landingHeading string
	loc            *time.Location
}

// NewComposer validates the template and creates a composer.
// A template that references an unknown placeholder is rejected.
func NewComposer(cfg config.PostConfig) (*Composer, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("post timezone: %w", err)
	}
	tmpl := cfg.Template
	if tmpl == "" {
		tmpl = config.DefaultTemplate
	}

	known := Vars(tracking.EnrichedObservation{}, Metadata{}, time.UTC)
	var unknown []string
	os.Expand(tmpl, func(name string) string {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
		return ""
	})
	if len(unknown) > 0 {
		return nil, fmt.Errorf("template uses unknown placeholders: %s", strings.Join(unknown, ", "))
	}

	return &Composer{
		template:       tmpl,
		defaultTag:     strings.TrimPrefix(cfg.DefaultHashtag, "#"),
		landingHeading: cfg.LandingHeading,
		loc:            loc,
	}, nil
}

// Compose renders the post for the closest observation of an alarm episode.
func (c *Composer) Compose(obs tracking.EnrichedObservation, meta Metadata) Post {
	vars := Vars(obs, meta, c.loc)
	text := truncate(os.Expand(c.template, func(name string) string { return vars[name] }), MaxLength)

	p := Post{Text: text}
	for _, tag := range Hashtags(obs, obsTime(obs, c.loc), c.defaultTag, c.landingHeading) {
		suffix := " #" + tag
		if utf8.RuneCountInString(p.Text)+utf8.RuneCountInString(suffix) > MaxLength {
			continue
		}
		start := len(p.Text) + 1
		p.Text += suffix
		p.Facets = append(p.Facets, Facet{ByteStart: start, ByteEnd: len(p.Text), Tag: tag})
	}
	return p
}

// Vars returns the template variables for an observation.
func Vars(obs tracking.EnrichedObservation, meta Metadata, loc *time.Location) map[string]string {
	speed := 0.0
	if obs.Speed != nil {
		speed = *obs.Speed
	}
	squawk := Unknown
	if obs.Squawk != nil && *obs.Squawk != "" {
		squawk = *obs.Squawk
	}

	return map[string]string{
		"flight":         strings.ReplaceAll(obs.Ident(), " ", ""),
		"icao":           strings.ReplaceAll(obs.Hex, " ", ""),
		"regis":          orUnknown(meta.Registration),
		"plane":          orUnknown(meta.AircraftType),
		"oper":           orUnknown(meta.Operator),
		"route":          orUnknown(meta.Route),
		"dist_mi":        f1(obs.Distance),
		"dist_km":        f1(geomath.MilesToKM(obs.Distance)),
		"dist_nm":        f1(geomath.MilesToNM(obs.Distance)),
		"alt_ft":         fmt.Sprintf("%.0f", obs.Altitude),
		"alt_m":          f1(geomath.FeetToMeters(obs.Altitude)),
		"el":             f1(obs.Elevation),
		"az":             f1(obs.Azimuth),
		"heading":        geomath.HeadingLabel(obs.Track),
		"speed_mph":      f1(speed),
		"speed_kmph":     f1(geomath.MilesToKM(speed)),
		"speed_kts":      f1(geomath.MPHToKnots(speed)),
		"time":           obsTime(obs, loc).Format("15:04:05"),
		"squawk":         squawk,
		"vert_rate_ftpm": fmt.Sprintf("%.0f", obs.VertRate),
		"vert_rate_mpm":  f1(geomath.FeetToMeters(obs.VertRate)),
		"rssi":           f1(obs.RSSI),
	}
}

// Hashtags returns the conditional hashtags for an observation seen at t,
// in the order they are appended.
func Hashtags(obs tracking.EnrichedObservation, t time.Time, defaultTag, landingHeading string) []string {
	alt := obs.Altitude
	speed := 0.0
	if obs.Speed != nil {
		speed = *obs.Speed
	}

	var tags []string
	if h := t.Hour(); h < 6 || h >= 22 || (t.Weekday() == time.Sunday && h < 8) {
		tags = append(tags, "AfterHours")
	}
	if alt < 1000 {
		tags = append(tags, "LowFlier")
	}
	if landingHeading != "" && alt >= 3800 && alt < 8500 && geomath.HeadingLabel(obs.Track) == landingHeading {
		tags = append(tags, "ProbablyLanding")
	}
	if alt > 20000 && alt < 35000 {
		tags = append(tags, "UpInTheClouds")
	}
	if alt >= 35000 {
		tags = append(tags, "WayTheHeckUpThere")
	}
	if speed > 300 && speed < 500 {
		tags = append(tags, "MovingQuickly")
	}
	if speed >= 500 && speed < 770 {
		tags = append(tags, "FlyingFast")
	}
	if speed >= 700 {
		tags = append(tags, "SpeedDemon")
	}
	if speed >= 1 && defaultTag != "" {
		tags = append(tags, defaultTag)
	}
	return tags
}

func obsTime(obs tracking.EnrichedObservation, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	if obs.Timestamp == 0 {
		return time.Now().In(loc)
	}
	return adsb.EpochToTime(obs.Timestamp).In(loc)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}

func f1(v float64) string {
	return fmt.Sprintf("%.1f", v)
}
