package service

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
)

var csvHeader = []string{"id", "organization_id", "metric_id", "quantity", "timestamp", "idempotency_key", "metadata"}

type rowWriter interface {
	Write(event *usagedomain.UsageEvent) error
	Close() error
	Rows() int64
}

func newRowWriter(format exportdomain.Format, w io.Writer) (rowWriter, error) {
	if format == exportdomain.FormatJSON {
		return newJSONWriter(w)
	}
	return newCSVWriter(w)
}

type csvWriter struct {
	w    *csv.Writer
	rows int64
}

func newCSVWriter(w io.Writer) (*csvWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return nil, err
	}
	return &csvWriter{w: cw}, nil
}

func (c *csvWriter) Write(event *usagedomain.UsageEvent) error {
	key := ""
	if event.IdempotencyKey != nil {
		key = *event.IdempotencyKey
	}
	metadata := ""
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}
	err := c.w.Write([]string{
		event.ID.String(),
		event.OrgID.String(),
		event.MetricID,
		strconv.FormatFloat(event.Quantity, 'f', -1, 64),
		event.RecordedAt.UTC().Format(time.RFC3339Nano),
		key,
		metadata,
	})
	if err != nil {
		return err
	}
	c.rows++
	return nil
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Rows() int64 { return c.rows }

// jsonWriter emits a single JSON array one element at a time.
type jsonWriter struct {
	buf  *bufio.Writer
	enc  *json.Encoder
	rows int64
}

func newJSONWriter(w io.Writer) (*jsonWriter, error) {
	buf := bufio.NewWriter(w)
	if _, err := buf.WriteString("["); err != nil {
		return nil, err
	}
	return &jsonWriter{buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (j *jsonWriter) Write(event *usagedomain.UsageEvent) error {
	if j.rows > 0 {
		if _, err := j.buf.WriteString(","); err != nil {
			return err
		}
	}
	if err := j.enc.Encode(event); err != nil {
		return err
	}
	j.rows++
	return nil
}

func (j *jsonWriter) Close() error {
	if _, err := j.buf.WriteString("]\n"); err != nil {
		return err
	}
	return j.buf.Flush()
}

func (j *jsonWriter) Rows() int64 { return j.rows }
