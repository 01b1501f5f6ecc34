package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/models"
)

// CSV streams records from a comma-separated file one row at a time, so
// even very large history files never sit in memory whole.
//
// Tick files carry rows of the form
//
//	unix_ms,price,size[,side]
//
// and every other resolution carries OHLCV rows
//
//	unix_ms,open,high,low,close,volume
type CSV struct {
	meta    models.Meta
	file    *os.File
	reader  *csv.Reader
	current models.Record
	err     error
}

// NewCSV opens the file at path and prepares an enumerator producing
// records stamped with the given meta.
func NewCSV(path string, meta models.Meta) (*CSV, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv source '%s': %w", path, err)
	}

	reader := csv.NewReader(file)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	return &CSV{meta: meta, file: file, reader: reader}, nil
}

func (c *CSV) Next() bool {
	if c.err != nil || c.file == nil {
		return false
	}

	row, err := c.reader.Read()
	if err == io.EOF {
		c.current = nil
		return false
	}
	if err != nil {
		c.err = fmt.Errorf("failed to read csv row: %w", err)
		c.current = nil
		return false
	}

	rec, err := c.parseRow(row)
	if err != nil {
		c.err = err
		c.current = nil
		return false
	}
	c.current = rec
	return true
}

func (c *CSV) parseRow(row []string) (models.Record, error) {
	if c.meta.Resolution == models.ResolutionTick {
		return parseTickRow(row, c.meta)
	}
	return parseBarRow(row, c.meta)
}

func (c *CSV) Current() models.Record {
	return c.current
}

func (c *CSV) Err() error {
	return c.err
}

func (c *CSV) Close() error {
	if c.file == nil {
		return nil
	}
	file := c.file
	c.file = nil
	c.current = nil
	return file.Close()
}

func parseTickRow(row []string, meta models.Meta) (models.Record, error) {
	if len(row) < 3 {
		return nil, fmt.Errorf("tick row needs at least 3 fields, got %d", len(row))
	}
	ts, err := parseUnixMs(row[0])
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(row[1])
	if err != nil {
		return nil, fmt.Errorf("invalid tick price '%s': %w", row[1], err)
	}
	size, err := decimal.NewFromString(row[2])
	if err != nil {
		return nil, fmt.Errorf("invalid tick size '%s': %w", row[2], err)
	}

	tick := models.Tick{Meta: meta, Price: price, Size: size}
	tick.Time = ts
	if len(row) > 3 {
		tick.Side = row[3]
	}
	return tick, nil
}

func parseBarRow(row []string, meta models.Meta) (models.Record, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("bar row needs 6 fields, got %d", len(row))
	}
	ts, err := parseUnixMs(row[0])
	if err != nil {
		return nil, err
	}

	values := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		v, err := decimal.NewFromString(row[i+1])
		if err != nil {
			return nil, fmt.Errorf("invalid bar field '%s': %w", row[i+1], err)
		}
		values[i] = v
	}

	bar := models.Bar{
		Meta:   meta,
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}
	bar.Time = ts
	return bar, nil
}

func parseUnixMs(field string) (time.Time, error) {
	ms, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp '%s': %w", field, err)
	}
	return timeFromUnixMs(ms), nil
}

func timeFromUnixMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
