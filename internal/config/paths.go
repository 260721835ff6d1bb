package config

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// OutDir returns the default run directory:
// <base>/<UTC timestamp>_<engine>_<pack label>.
func OutDir(base, engine, packPath string, now time.Time) string {
	label := strings.TrimSuffix(filepath.Base(packPath), filepath.Ext(packPath))
	name := strings.Join([]string{
		now.UTC().Format("20060102T150405Z"),
		Slug(engine, 12, "engine"),
		Slug(label, 40, "pack"),
	}, "_")
	return filepath.Join(base, name)
}

// Slug lowercases a value and collapses unsafe runs into single dashes.
func Slug(value string, maxChars int, fallback string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(value), "-"), "-")
	if maxChars > 0 && len(slug) > maxChars {
		slug = strings.Trim(slug[:maxChars], "-")
	}
	if slug == "" {
		return fallback
	}
	return slug
}
