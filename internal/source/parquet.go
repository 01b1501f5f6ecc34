package source

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"marketfeed/models"
)

// parquetBatchSize bounds how many rows are decoded per read so large
// history files stream instead of materializing.
const parquetBatchSize = 256

// parquetBar mirrors the layout history files are written with.
type parquetBar struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

// Parquet streams OHLCV bars from a parquet history file.
type Parquet struct {
	meta models.Meta

	file   *local.LocalFile
	reader *reader.ParquetReader

	remaining int64
	batch     []parquetBar
	cursor    int
	current   models.Record
	err       error
}

// NewParquet opens the parquet file at path for streaming reads.
func NewParquet(path string, meta models.Meta) (*Parquet, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet source '%s': %w", path, err)
	}

	pr, err := reader.NewParquetReader(fr, new(parquetBar), 1)
	if err != nil {
		fr.Close()
		return nil, fmt.Errorf("failed to read parquet schema of '%s': %w", path, err)
	}

	return &Parquet{
		meta:      meta,
		file:      fr.(*local.LocalFile),
		reader:    pr,
		remaining: pr.GetNumRows(),
	}, nil
}

func (p *Parquet) Next() bool {
	if p.err != nil || p.reader == nil {
		return false
	}

	if p.cursor >= len(p.batch) {
		if p.remaining == 0 {
			p.current = nil
			return false
		}
		n := int64(parquetBatchSize)
		if p.remaining < n {
			n = p.remaining
		}
		p.batch = make([]parquetBar, n)
		if err := p.reader.Read(&p.batch); err != nil {
			p.err = fmt.Errorf("failed to read parquet rows: %w", err)
			p.current = nil
			return false
		}
		p.remaining -= n
		p.cursor = 0
	}

	row := p.batch[p.cursor]
	p.cursor++

	bar := models.Bar{
		Meta:   p.meta,
		Open:   decimal.NewFromFloat(row.Open),
		High:   decimal.NewFromFloat(row.High),
		Low:    decimal.NewFromFloat(row.Low),
		Close:  decimal.NewFromFloat(row.Close),
		Volume: decimal.NewFromFloat(row.Volume),
	}
	bar.Time = timeFromUnixMs(row.Timestamp)
	p.current = bar
	return true
}

func (p *Parquet) Current() models.Record {
	return p.current
}

func (p *Parquet) Err() error {
	return p.err
}

func (p *Parquet) Close() error {
	if p.reader == nil {
		return nil
	}
	p.reader.ReadStop()
	p.reader = nil
	p.current = nil
	return p.file.Close()
}
