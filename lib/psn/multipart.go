package psn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Event category codes of a message.
const (
	categoryText  = 1
	categoryImage = 3
)

// newBoundary returns a multipart boundary in the form the messaging
// service expects: 26 dashes followed by 24 random characters.
func newBoundary() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.Repeat("-", 26) + id[:24]
}

type threadMember struct {
	OnlineID string `json:"onlineId"`
}

type newThreadBody struct {
	ThreadDetail struct {
		ThreadMembers []threadMember `json:"threadMembers"`
	} `json:"threadDetail"`
}

type messageBody struct {
	MessageEventDetail struct {
		EventCategoryCode int `json:"eventCategoryCode"`
		MessageDetail     struct {
			Body string `json:"body"`
		} `json:"messageDetail"`
	} `json:"messageEventDetail"`
}

// multipartBody is an encoded multipart/form-data request body.
type multipartBody struct {
	contentType string
	data        []byte
}

func newMultipart(boundary string, build func(w *multipart.Writer) error) (*multipartBody, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("psn: multipart boundary: %w", err)
	}
	if err := build(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &multipartBody{contentType: w.FormDataContentType(), data: buf.Bytes()}, nil
}

func writeJSONPart(w *multipart.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("psn: encode %s: %w", name, err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, name))
	h.Set("Content-Type", "application/json; charset=utf-8")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// threadBody opens a thread between the session's own account and other.
func threadBody(boundary, other, self string) (*multipartBody, error) {
	var body newThreadBody
	body.ThreadDetail.ThreadMembers = []threadMember{{OnlineID: other}, {OnlineID: self}}

	return newMultipart(boundary, func(w *multipart.Writer) error {
		return writeJSONPart(w, "threadDetail", body)
	})
}

// messageBodyOf posts text, with image attached as a PNG when non-empty.
func messageBodyOf(boundary, text string, image []byte) (*multipartBody, error) {
	var body messageBody
	body.MessageEventDetail.EventCategoryCode = categoryText
	if len(image) > 0 {
		body.MessageEventDetail.EventCategoryCode = categoryImage
	}
	body.MessageEventDetail.MessageDetail.Body = text

	return newMultipart(boundary, func(w *multipart.Writer) error {
		if err := writeJSONPart(w, "messageEventDetail", body); err != nil {
			return err
		}
		if len(image) == 0 {
			return nil
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="imageData"`)
		h.Set("Content-Type", "image/png")
		h.Set("Content-Length", strconv.Itoa(len(image)))
		part, err := w.CreatePart(h)
		if err != nil {
			return err
		}
		_, err = part.Write(image)
		return err
	})
}
