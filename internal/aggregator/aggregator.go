// Package aggregator turns a watcher snapshot into the bundle shown to users
// and offered for download.
package aggregator

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
)

const (
	// ContentType is the media type of a rendered bundle.
	ContentType = "text/plain; charset=utf-8"

	sectionHeader = "## 📄 "
	fence         = "```"
)

// Render concatenates every file in the snapshot into one text blob, one
// section per file in ascending filename order. An empty snapshot renders as
// the empty string.
func Render(snapshot map[string]string) string {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(sectionHeader)
		b.WriteString(name)
		b.WriteString("\n" + fence + "\n")
		b.WriteString(snapshot[name])
		b.WriteString("\n" + fence + "\n\n")
	}
	return b.String()
}

// BundleFilename names the downloadable bundle for a domain, e.g.
// scraped_content_example.com.txt.
func BundleFilename(domain, ext string) string {
	if ext == "" {
		ext = ".txt"
	}
	return fmt.Sprintf("scraped_content_%s%s", domain, ext)
}

// Download is a named, transferable bundle.
type Download struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // standard base64
}

// ToDownloadable wraps blob for export.
func ToDownloadable(blob, filename string) Download {
	return Download{
		Filename:    filename,
		ContentType: ContentType,
		Data:        base64.StdEncoding.EncodeToString([]byte(blob)),
	}
}

// DataURI renders the download as a data: URI suitable for an href.
func (d Download) DataURI() string {
	return "data:text/plain;base64," + d.Data
}

// Decode returns the blob wrapped by d.
func Decode(d Download) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return "", fmt.Errorf("decode bundle %s: %w", d.Filename, err)
	}
	return string(raw), nil
}
