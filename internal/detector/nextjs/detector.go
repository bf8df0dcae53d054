// Package nextjs scores HTML bodies for the Next.js framework fingerprint.
package nextjs

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
)

// Tier weights.
const (
	WeightHigh   = 3
	WeightMedium = 2
	WeightLow    = 1
)

// MetaTagsIndicator is reported when the structural scan finds Next.js markup.
const MetaTagsIndicator = "nextjs_meta_tags"

// Thresholds decide the confidence tier from collected weights.
type Thresholds struct {
	HighMax   int
	HighSum   int
	MediumMax int
	MediumSum int
}

// DefaultThresholds are the empirically chosen cut-offs.
var DefaultThresholds = Thresholds{HighMax: 3, HighSum: 5, MediumMax: 2, MediumSum: 3}

type pattern struct {
	id     string
	re     *regexp.Regexp
	weight int
}

func tier(weight int, sources ...string) []pattern {
	out := make([]pattern, 0, len(sources))
	for _, src := range sources {
		out = append(out, pattern{id: src, re: regexp.MustCompile("(?i)" + src), weight: weight})
	}
	return out
}

var (
	highPatterns = tier(WeightHigh,
		`__NEXT_DATA__`,
		`"__NEXT_LOADED_PAGES__"`,
		`self\.__next`,
		`window\.__NEXT_DATA__`,
		`<div id="__next"`,
		`id="__NEXT_DATA__"`,
		`"buildId"`,
	)
	mediumPatterns = tier(WeightMedium,
		`/_next/static/`,
		`/_next/data/`,
		`/_next/image`,
		`next-route-announcer`,
		`__next-error-boundary`,
		`data-nextjs-scroll-focus-boundary`,
		`/_next/webpack`,
		`__BUILD_MANIFEST`,
		`__NEXT_P`,
	)
	lowPatterns = tier(WeightLow,
		`/_next/`,
		`next\.js`,
		`nextjs`,
	)

	allPatterns = append(append(append([]pattern{}, highPatterns...), mediumPatterns...), lowPatterns...)

	buildIDPattern = regexp.MustCompile(`/_next/static/([a-zA-Z0-9_-]+)/`)
	versionPattern = regexp.MustCompile(`Next\.js\s+v?(\d+\.\d+\.\d+)`)

	metaNameMarkers = []string{"next-head-count", "next-font", "__next"}
)

// Detector is stateless; Detect is a pure function of its input.
type Detector struct {
	thresholds Thresholds
}

// New builds a Detector. A zero Thresholds uses DefaultThresholds.
func New(thresholds Thresholds) *Detector {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	return &Detector{thresholds: thresholds}
}

// Detect scores html against every pattern tier, the build id extractor and
// the structural scan.
func (d *Detector) Detect(html string) crawler.DetectionResult {
	result := crawler.DetectionResult{Indicators: []string{}}
	if strings.TrimSpace(html) == "" {
		return result
	}

	seen := make(map[string]struct{})
	var weights []int
	add := func(indicator string, weight int) {
		if _, dup := seen[indicator]; dup {
			return
		}
		seen[indicator] = struct{}{}
		weights = append(weights, weight)
	}

	for _, p := range allPatterns {
		if p.re.MatchString(html) {
			add(p.id, p.weight)
		}
	}
	if m := buildIDPattern.FindStringSubmatch(html); m != nil {
		result.BuildID = m[1]
		add("build_id:"+m[1], WeightHigh)
	}
	if m := versionPattern.FindStringSubmatch(html); m != nil {
		result.Version = m[1]
	}
	if tags, found := scanMarkup(html); found {
		result.MetaTags = tags
		add(MetaTagsIndicator, WeightMedium)
	}

	if len(weights) == 0 {
		return result
	}
	result.IsMatch = true
	result.Confidence = d.confidence(weights)
	result.Indicators = make([]string, 0, len(seen))
	for id := range seen {
		result.Indicators = append(result.Indicators, id)
	}
	sort.Strings(result.Indicators)
	return result
}

func (d *Detector) confidence(weights []int) crawler.Confidence {
	maxWeight, sum := 0, 0
	for _, w := range weights {
		maxWeight = max(maxWeight, w)
		sum += w
	}
	switch {
	case maxWeight >= d.thresholds.HighMax || sum >= d.thresholds.HighSum:
		return crawler.ConfidenceHigh
	case maxWeight >= d.thresholds.MediumMax || sum >= d.thresholds.MediumSum:
		return crawler.ConfidenceMedium
	default:
		return crawler.ConfidenceLow
	}
}

// scanMarkup looks for the root container, the data payload script and
// Next.js meta tags. Parse failures contribute nothing.
func scanMarkup(html string) (map[string]string, bool) {
	if !strings.Contains(strings.ToLower(html), "next") {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false
	}

	found := doc.Find("div#__next").Length() > 0 || doc.Find("script#__NEXT_DATA__").Length() > 0
	tags := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name := s.AttrOr("name", s.AttrOr("property", ""))
		if name == "" {
			return
		}
		lower := strings.ToLower(name)
		for _, marker := range metaNameMarkers {
			if strings.Contains(lower, marker) {
				tags[name] = s.AttrOr("content", "")
				found = true
				return
			}
		}
	})
	if len(tags) == 0 {
		tags = nil
	}
	return tags, found
}
