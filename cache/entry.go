package cache

import (
	"encoding/json"
	"image"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Image represents a resolved image asset
type Image struct {
	// Key is the cache key the image is stored under
	Key string
	// URL is the source URL of the image
	URL string
	// ContentType is the sniffed mime type of Data
	ContentType string
	// Data holds the encoded image bytes
	Data []byte
	// Decoded holds the decoded image
	Decoded image.Image
	// Fetched is the time the image was fetched from the network
	Fetched time.Time
	// Fallback is set when the image is the fallback asset
	Fallback bool
}

// Size returns the encoded size of the image in bytes
func (i *Image) Size() int {
	return len(i.Data)
}

// Bounds returns the width and height of the decoded image
func (i *Image) Bounds() (int, int) {
	if i.Decoded == nil {
		return 0, 0
	}
	b := i.Decoded.Bounds()
	return b.Dx(), b.Dy()
}

// record is the persisted form of an image
type record struct {
	URL         string   `json:"url"`
	ContentType string   `json:"content_type"`
	Data        []byte   `json:"data"`
	Created     JSONTime `json:"created"`
}

func newRecord(img *Image) *record {
	return &record{
		URL:         img.URL,
		ContentType: img.ContentType,
		Data:        img.Data,
		Created:     JSONTime(img.Fetched),
	}
}

func (r *record) marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal cache record")
	}
	return data, nil
}

func unmarshalRecord(data []byte) (*record, error) {
	r := &record{}
	err := json.Unmarshal(data, r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse cache record")
	}
	if len(r.Data) == 0 {
		return nil, errors.New("cache record holds no image data")
	}
	return r, nil
}

// JSONTime is a time.Time wrapper that JSON (un)marshals into a unix timestamp
type JSONTime time.Time

// MarshalJSON is used to convert the timestamp to JSON
func (t JSONTime) MarshalJSON() ([]byte, error) {
	unix := time.Time(t).Unix()
	// Negative time stamps make no sense for our use cases
	if unix < 0 {
		unix = 0
	}

	return []byte(strconv.FormatInt(unix, 10)), nil
}

// UnmarshalJSON is used to convert the timestamp from JSON
func (t *JSONTime) UnmarshalJSON(s []byte) (err error) {
	r := string(s)
	q, err := strconv.ParseInt(r, 10, 64)
	if err != nil {
		return err
	}
	*(*time.Time)(t) = time.Unix(q, 0)

	return nil
}

// Unix returns the unix time stamp of the underlaying time object
func (t JSONTime) Unix() int64 {
	return time.Time(t).Unix()
}

// Time returns the JSON time as a time.Time instance
func (t JSONTime) Time() time.Time {
	return time.Time(t)
}

// String returns time as a formatted string
func (t JSONTime) String() string {
	return t.Time().String()
}
