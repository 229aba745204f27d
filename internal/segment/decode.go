package segment

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/klauspost/compress/zstd"

	"github.com/technosupport/ts-replay/internal/event"
)

// Duration of one route segment in seconds.
const Duration = 60

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// maxLine bounds a single log record; camera frame references are small, but some
// parameter blobs are not.
const maxLine = 16 << 20

// record is one line of a segment log.
type record struct {
	MonoTime uint64          `json:"mono_time"`
	Channel  string          `json:"channel"`
	Data     json.RawMessage `json:"data"`
}

// Decode reads a segment log (JSON lines, optionally zstd-compressed) and returns its
// events ordered by event.Less.
func Decode(r io.Reader, segment int) ([]event.Event, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)

	var (
		events []event.Event
		line   int
	)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Channel == "" {
			return nil, fmt.Errorf("line %d: missing channel", line)
		}
		events = append(events, event.Event{
			MonoTime: rec.MonoTime,
			Channel:  rec.Channel,
			Payload:  []byte(rec.Data),
			Segment:  segment,
			Seq:      len(events),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}

	slices.SortStableFunc(events, event.Compare)
	return events, nil
}

// FirstMonoTime returns the timestamp of the earliest record in a log without keeping
// the decoded events around.
func FirstMonoTime(r io.Reader) (uint64, error) {
	events, err := Decode(r, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, fmt.Errorf("empty log")
	}
	return events[0].MonoTime, nil
}

// Encode writes events in the segment log format, zstd-compressed when compress is set.
// Decode reads back what it writes.
func Encode(w io.Writer, events []event.Event, compress bool) error {
	var (
		dst io.Writer = w
		zw  *zstd.Encoder
		err error
	)
	if compress {
		zw, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		dst = zw
	}

	enc := json.NewEncoder(dst)
	for _, e := range events {
		data := json.RawMessage(e.Payload)
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		if err := enc.Encode(record{MonoTime: e.MonoTime, Channel: e.Channel, Data: data}); err != nil {
			return err
		}
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}
