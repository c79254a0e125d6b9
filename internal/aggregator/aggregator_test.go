package aggregator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_OrdersSectionsByFilename(t *testing.T) {
	got := Render(map[string]string{"b.txt": "Y", "a.txt": "X"})

	want := "## 📄 a.txt\n```\nX\n```\n\n" +
		"## 📄 b.txt\n```\nY\n```\n\n"
	assert.Equal(t, want, got)
	assert.Less(t, strings.Index(got, "a.txt"), strings.Index(got, "b.txt"))
}

func TestRender_Empty(t *testing.T) {
	assert.Equal(t, "", Render(nil))
	assert.Equal(t, "", Render(map[string]string{}))
}

func TestRender_Deterministic(t *testing.T) {
	snap := map[string]string{}
	for _, name := range []string{"z.txt", "m.txt", "a.txt", "10.txt", "2.txt"} {
		snap[name] = "content of " + name
	}

	first := Render(snap)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Render(snap))
	}
	assert.True(t, strings.HasPrefix(first, "## 📄 10.txt\n"))
}

func TestRender_PreservesContentVerbatim(t *testing.T) {
	content := "line one\n\n  indented ```inline fence```\nünïcödé ✓\n"
	got := Render(map[string]string{"page.txt": content})
	assert.Contains(t, got, "\n"+content+"\n")
}

func TestToDownloadable_RoundTrip(t *testing.T) {
	snapshots := []map[string]string{
		nil,
		{"a.txt": "X", "b.txt": "Y"},
		{"emoji.txt": "🕷️ crawl\r\nwindows line", "empty.txt": ""},
	}

	for _, snap := range snapshots {
		blob := Render(snap)
		d := ToDownloadable(blob, BundleFilename("example.com", ".txt"))

		decoded, err := Decode(d)
		require.NoError(t, err)
		assert.Equal(t, blob, decoded)
		assert.Equal(t, "scraped_content_example.com.txt", d.Filename)
		assert.Equal(t, ContentType, d.ContentType)
	}
}

func TestDownload_DataURI(t *testing.T) {
	d := ToDownloadable("hi", "f.txt")
	assert.Equal(t, "data:text/plain;base64,aGk=", d.DataURI())
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(Download{Filename: "f.txt", Data: "not base64!"})
	assert.Error(t, err)
}

func TestBundleFilename_DefaultExtension(t *testing.T) {
	assert.Equal(t, "scraped_content_docs.example.com.txt", BundleFilename("docs.example.com", ""))
	assert.Equal(t, "scraped_content_x.md", BundleFilename("x", ".md"))
}
