package models

import "io"

// Upload is a file submitted through the chat box or the document panel. Filename and
// ContentType are all the routing layer looks at; Content is streamed to the backend
// as a multipart part and is read at most once.
type Upload struct {
	Filename    string
	ContentType string
	Content     io.Reader
}
