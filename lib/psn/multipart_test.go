package psn

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBoundary(t *testing.T) {
	b := newBoundary()
	assert.Len(t, b, 50)
	assert.True(t, strings.HasPrefix(b, strings.Repeat("-", 26)))
	assert.NotEqual(t, b, newBoundary())
}

func TestThreadBody(t *testing.T) {
	body, err := threadBody(newBoundary(), "friend", "self")
	require.NoError(t, err)

	_, params, err := mime.ParseMediaType(body.contentType)
	require.NoError(t, err)
	mr := multipart.NewReader(bytes.NewReader(body.data), params["boundary"])

	p, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "threadDetail", p.FormName())
	assert.Equal(t, "application/json; charset=utf-8", p.Header.Get("Content-Type"))

	data, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"threadDetail":{"threadMembers":[{"onlineId":"friend"},{"onlineId":"self"}]}}`, string(data))

	_, err = mr.NextPart()
	assert.Equal(t, io.EOF, err)
}

func TestMessageBodyTextOnly(t *testing.T) {
	body, err := messageBodyOf(newBoundary(), "hi there", nil)
	require.NoError(t, err)

	_, params, err := mime.ParseMediaType(body.contentType)
	require.NoError(t, err)
	mr := multipart.NewReader(bytes.NewReader(body.data), params["boundary"])

	p, err := mr.NextPart()
	require.NoError(t, err)
	var msg messageBody
	require.NoError(t, json.NewDecoder(p).Decode(&msg))
	assert.Equal(t, categoryText, msg.MessageEventDetail.EventCategoryCode)
	assert.Equal(t, "hi there", msg.MessageEventDetail.MessageDetail.Body)

	_, err = mr.NextPart()
	assert.Equal(t, io.EOF, err, "text messages carry no image part")
}

func TestMessageBodyWithImage(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}
	body, err := messageBodyOf(newBoundary(), "", image)
	require.NoError(t, err)

	_, params, err := mime.ParseMediaType(body.contentType)
	require.NoError(t, err)
	mr := multipart.NewReader(bytes.NewReader(body.data), params["boundary"])

	p, err := mr.NextPart()
	require.NoError(t, err)
	var msg messageBody
	require.NoError(t, json.NewDecoder(p).Decode(&msg))
	assert.Equal(t, categoryImage, msg.MessageEventDetail.EventCategoryCode)

	p, err = mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "imageData", p.FormName())
	assert.Equal(t, "image/png", p.Header.Get("Content-Type"))
	assert.Equal(t, "7", p.Header.Get("Content-Length"))
	data, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, image, data)
}
