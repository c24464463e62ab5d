package compose

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// parsedRaw is the salvageable content of a previously rendered message.
// Everything else (received headers, boundaries, transfer encodings,
// message ids) is an artifact of the earlier rendering and is discarded.
type parsedRaw struct {
	subject     string
	replyTo     string
	html        string
	text        string
	attachments []resolved
}

func parseRaw(raw []byte) (*parsedRaw, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return nil, errors.Join(ErrMalformedRaw, err)
	}

	p := &parsedRaw{subject: decodeHeader(msg.Header.Get("Subject"))}
	if addr, err := msg.Header.AddressList("Reply-To"); err == nil && len(addr) > 0 {
		p.replyTo = addr[0].Address
	}

	if err := p.walk(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), "", msg.Body); err != nil {
		return nil, err
	}
	return p, nil
}

// walk descends into multipart containers collecting bodies and attachments.
// When several HTML alternatives exist the longest one wins, matching how
// the body was originally authored rather than a truncated preview part.
func (p *parsedRaw) walk(contentType, cte, disposition string, body io.Reader) error {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Unparseable part types are artifacts, skip the part.
		return nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("%w: multipart without boundary", ErrMalformedRaw)
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return errors.Join(ErrMalformedRaw, err)
			}
			err = p.walk(
				part.Header.Get("Content-Type"),
				part.Header.Get("Content-Transfer-Encoding"),
				part.Header.Get("Content-Disposition"),
				part,
			)
			if err != nil {
				return err
			}
		}
	}

	content, err := decodeBody(body, cte)
	if err != nil {
		return err
	}

	filename := partFilename(disposition, params)
	isAttachment := strings.HasPrefix(strings.ToLower(disposition), "attachment") || filename != ""

	switch {
	case isAttachment:
		if filename == "" {
			filename = "attachment"
		}
		p.attachments = append(p.attachments, resolved{
			filename:    filename,
			contentType: mediaType,
			content:     content,
		})
	case mediaType == "text/html":
		if len(content) > len(p.html) {
			p.html = string(content)
		}
	case mediaType == "text/plain":
		if p.text == "" {
			p.text = string(content)
		}
	}
	return nil
}

func decodeBody(r io.Reader, cte string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, newWhitespaceStripper(r))
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Join(ErrMalformedRaw, err)
	}
	return content, nil
}

func partFilename(disposition string, typeParams map[string]string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	return typeParams["name"]
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// whitespaceStripper drops CR/LF so the base64 decoder sees a single run.
type whitespaceStripper struct {
	r io.Reader
}

func newWhitespaceStripper(r io.Reader) io.Reader {
	return &whitespaceStripper{r: r}
}

func (w *whitespaceStripper) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	kept := 0
	for _, b := range p[:n] {
		if b == '\r' || b == '\n' {
			continue
		}
		p[kept] = b
		kept++
	}
	if kept == 0 && err == nil && n > 0 {
		return w.Read(p)
	}
	return kept, err
}
