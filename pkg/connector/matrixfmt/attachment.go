// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"context"
	"fmt"
	"path"

	"go.mau.fi/util/exmime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MaxAttachmentSize is the largest file uploaded inline. Anything at or above
// it is sent as a link.
const MaxAttachmentSize = 8000000

// Attachment is the Discord side of a Matrix media message. Exactly one of
// Data and Link is set unless the attachment is empty.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
	Link        string
}

func (a Attachment) IsEmpty() bool { return a.Data == nil && a.Link == "" }
func (a Attachment) IsLink() bool  { return a.Link != "" }

// MediaFetcher downloads Matrix media.
type MediaFetcher func(ctx context.Context, uri id.ContentURI) ([]byte, error)

// MediaURL converts an mxc URI to a public HTTP URL.
type MediaURL func(uri id.ContentURIString) string

// AttachmentName is the file name Discord will show. Stickers and bodies
// without an extension get one from the mimetype.
func AttachmentName(content *event.MessageEventContent) string {
	name := content.GetFileName()
	if name == "" {
		name = "file"
	}
	if path.Ext(name) == "" && content.Info != nil && content.Info.MimeType != "" {
		name += exmime.ExtensionFromMimetype(content.Info.MimeType)
	}
	return name
}

// HandleAttachment resolves the media of a message. A declared size at or
// above the ceiling skips the download. Otherwise the media is fetched and
// the fetched length decides between inline upload and link, because the
// declared size may be missing or wrong. When the fetch fails the link is
// still returned along with the error.
func HandleAttachment(ctx context.Context, content *event.MessageEventContent, fetch MediaFetcher, toHTTP MediaURL) (Attachment, error) {
	if content == nil || content.URL == "" {
		return Attachment{}, nil
	}
	uri, err := content.URL.Parse()
	if err != nil {
		return Attachment{}, nil
	}
	att := Attachment{Name: AttachmentName(content)}
	if content.Info != nil {
		att.ContentType = content.Info.MimeType
	}
	link := "[" + att.Name + "](" + toHTTP(content.URL) + ")"

	if content.Info != nil && content.Info.Size >= MaxAttachmentSize {
		att.Link = link
		return att, nil
	}
	data, err := fetch(ctx, uri)
	if err != nil {
		att.Link = link
		return att, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	if len(data) >= MaxAttachmentSize {
		att.Link = link
		return att, nil
	}
	att.Data = data
	return att, nil
}
