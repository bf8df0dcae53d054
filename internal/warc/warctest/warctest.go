// Package warctest builds WARC fixtures for tests.
package warctest

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// HTTPBlock renders an HTTP/1.1 200 response carrying body.
func HTTPBlock(contentType string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentType, len(body))
	b.Write(body)
	return b.Bytes()
}

// recordDate is stamped on every fixture record.
const recordDate = "2024-03-01T12:00:00Z"

// Record renders one WARC record. Request and response records carry an
// application/http block; anything else is typed as WARC fields.
func Record(warcType, target string, block []byte) []byte {
	contentType := "application/warc-fields"
	switch warcType {
	case "response", "request":
		contentType = "application/http; msgtype=" + warcType
	}

	var b bytes.Buffer
	b.WriteString("WARC/1.0\r\n")
	fmt.Fprintf(&b, "WARC-Type: %s\r\n", warcType)
	fmt.Fprintf(&b, "WARC-Record-ID: <urn:uuid:%s>\r\n", uuid.NewSHA1(uuid.NameSpaceURL, []byte(warcType+" "+target)))
	fmt.Fprintf(&b, "WARC-Date: %s\r\n", recordDate)
	if target != "" {
		fmt.Fprintf(&b, "WARC-Target-URI: %s\r\n", target)
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(block))
	b.Write(block)
	b.WriteString("\r\n\r\n")
	return b.Bytes()
}

// Response renders a response record serving html as UTF-8 text/html.
func Response(target, html string) []byte {
	return Record("response", target, HTTPBlock("text/html; charset=utf-8", []byte(html)))
}

// Gzip compresses each record as its own member, as archive segments do.
func Gzip(records ...[]byte) []byte {
	var b bytes.Buffer
	for _, rec := range records {
		zw := gzip.NewWriter(&b)
		_, _ = zw.Write(rec)
		_ = zw.Close()
	}
	return b.Bytes()
}

// NextPage is a Next.js page that scores high confidence.
func NextPage(buildID string) string {
	return fmt.Sprintf(`<!DOCTYPE html><html><head>
<script src="/_next/static/%s/_buildManifest.js"></script></head>
<body><div id="__next"></div>
<script id="__NEXT_DATA__" type="application/json">{"buildId":"%s"}</script></body></html>`, buildID, buildID)
}

// PlainPage is an HTML page without framework markers.
func PlainPage(title string) string {
	return fmt.Sprintf("<!DOCTYPE html><html><head><title>%s</title></head><body><p>static</p></body></html>", title)
}
