package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Type is the origin classification of a response.
// Only basic responses may be inspected and stored.
type Type string

const (
	// Same-origin, non-opaque response.
	TypeBasic Type = "basic"
	// Cross-origin response readable by the page.
	TypeCORS Type = "cors"
	// Cross-origin response the page cannot inspect.
	TypeOpaque Type = "opaque"
	// Redirect that was not followed.
	TypeOpaqueRedirect Type = "opaqueredirect"
)

const (
	typeHeaderName     = "Offline-Cache-Type"
	urlHeaderName      = "Offline-Cache-Url"
	storedAtHeaderName = "Offline-Cache-Stored-At"
)

// Snapshot is a complete response as received from the network.
// Snapshots are never mutated once created; use Clone to derive a copy.
type Snapshot struct {
	// Absolute URL of the request that produced the response.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Type       Type
	// Time the snapshot was serialized for storage, zero for live responses.
	StoredAt time.Time
}

// Cacheable reports whether the snapshot may be written to a partition.
func (s *Snapshot) Cacheable() bool {
	return s != nil && s.StatusCode == http.StatusOK && s.Type == TypeBasic
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Header = s.Header.Clone()
	c.Body = append([]byte(nil), s.Body...)
	return &c
}

// FromResponse reads the complete body of res and closes it.
// An error while reading the body means the snapshot is incomplete and none is returned.
func FromResponse(url string, res *http.Response, typ Type) (*Snapshot, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		URL:        url,
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
		Type:       typ,
	}, nil
}

// WriteTo sends the snapshot to the client.
// Headers already set on w (e.g. Cache-Status) are kept.
func (s *Snapshot) WriteTo(w http.ResponseWriter) (int64, error) {
	copyHeader(w.Header(), s.Header)
	w.WriteHeader(s.StatusCode)
	n, err := w.Write(s.Body)
	return int64(n), err
}

// ToBytes serializes the snapshot into its HTTP/1.1 wire representation.
// The snapshot metadata travels in extra headers that FromBytes removes again.
func ToBytes(s *Snapshot) ([]byte, error) {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(typeHeaderName, string(s.Type))
	header.Set(urlHeaderName, s.URL)
	header.Set(storedAtHeaderName, strconv.FormatInt(time.Now().UnixNano(), 10))

	res := &http.Response{
		StatusCode:    s.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes converts bytes written by ToBytes back to a snapshot.
func FromBytes(b []byte) (*Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, err
	}
	typ := Type(res.Header.Get(typeHeaderName))
	if typ == "" {
		res.Body.Close()
		return nil, fmt.Errorf("Stored response has no type")
	}
	url := res.Header.Get(urlHeaderName)
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		res.Body.Close()
		return nil, err
	}
	// delete extra headers
	res.Header.Del(typeHeaderName)
	res.Header.Del(urlHeaderName)
	res.Header.Del(storedAtHeaderName)

	s, err := FromResponse(url, res, typ)
	if err != nil {
		return nil, err
	}
	s.StoredAt = time.Unix(0, storedAt)
	return s, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// Age is the time the snapshot has been stored, added to the Age the network reported.
// Live snapshots report the network Age only.
func (s *Snapshot) Age(now time.Time) time.Duration {
	var age time.Duration
	// a list-based Age uses the first member; invalid values are ignored
	first, _, _ := strings.Cut(s.Header.Get("Age"), ",")
	if seconds, err := strconv.ParseUint(strings.TrimSpace(first), 10, 32); err == nil {
		age = time.Duration(seconds) * time.Second
	}
	if !s.StoredAt.IsZero() && now.After(s.StoredAt) {
		age += now.Sub(s.StoredAt)
	}
	return age
}

// SetAge sets the Age header of a stored snapshot for serving it at now.
func (s *Snapshot) SetAge(now time.Time) {
	if s.StoredAt.IsZero() {
		return
	}
	s.Header.Set("Age", strconv.FormatInt(int64(s.Age(now)/time.Second), 10))
}
