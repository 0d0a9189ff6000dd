package engine

import (
	"regexp"
	"strings"
)

// Marker is one in-band directive extracted from the engine's final output.
type Marker struct {
	Kind  string // FILE, ATTACH, IMAGE_GEN, LIST_RUN, UPDATE, RESTART
	Value string // empty for UPDATE/RESTART
}

var (
	valueMarkerRe = regexp.MustCompile(`<!--\s*(FILE|ATTACH|IMAGE_GEN|LIST_RUN):\s*(.*?)\s*-->`)
	bareMarkerRe  = regexp.MustCompile(`<!--\s*(UPDATE|RESTART)\s*-->`)
	summaryRe     = regexp.MustCompile(`(?s)<!--\s*SUMMARY\s*-->(.*?)<!--\s*/SUMMARY\s*-->`)
	detailsRe     = regexp.MustCompile(`(?s)<!--\s*DETAILS\s*-->(.*?)<!--\s*/DETAILS\s*-->`)
	anyMarkerRe   = regexp.MustCompile(`<!--\s*(?:(?:FILE|ATTACH|IMAGE_GEN|LIST_RUN):.*?|UPDATE|RESTART|/?SUMMARY|/?DETAILS)\s*-->`)
)

// parseMarkers extracts all in-band markers from the engine output into r and
// fills r.Clean with the output stripped of marker syntax. Source order is
// preserved in r.Markers; the per-kind fields keep order only within a kind.
func parseMarkers(output string, r *Result) {
	type hit struct {
		pos    int
		marker Marker
	}
	var hits []hit

	for _, m := range valueMarkerRe.FindAllStringSubmatchIndex(output, -1) {
		kind := output[m[2]:m[3]]
		value := output[m[4]:m[5]]
		hits = append(hits, hit{pos: m[0], marker: Marker{Kind: kind, Value: value}})
	}
	for _, m := range bareMarkerRe.FindAllStringSubmatchIndex(output, -1) {
		kind := output[m[2]:m[3]]
		hits = append(hits, hit{pos: m[0], marker: Marker{Kind: kind}})
	}

	// Insertion sort by source position; marker counts are tiny.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j-1].pos > hits[j].pos; j-- {
			hits[j-1], hits[j] = hits[j], hits[j-1]
		}
	}

	for _, h := range hits {
		r.Markers = append(r.Markers, h.marker)
		switch h.marker.Kind {
		case "FILE":
			r.Files = append(r.Files, h.marker.Value)
		case "ATTACH":
			r.Attachments = append(r.Attachments, h.marker.Value)
		case "IMAGE_GEN":
			r.ImageGenPrompts = append(r.ImageGenPrompts, h.marker.Value)
		case "LIST_RUN":
			r.ListRun = h.marker.Value
		case "UPDATE":
			r.UpdateRequested = true
		case "RESTART":
			r.RestartRequested = true
		}
	}

	if m := summaryRe.FindStringSubmatch(output); m != nil {
		r.Summary = strings.TrimSpace(m[1])
	}
	if m := detailsRe.FindStringSubmatch(output); m != nil {
		r.Details = strings.TrimSpace(m[1])
	}

	clean := summaryRe.ReplaceAllString(output, "$1")
	clean = detailsRe.ReplaceAllString(clean, "")
	clean = anyMarkerRe.ReplaceAllString(clean, "")
	r.Clean = strings.TrimSpace(clean)
}
