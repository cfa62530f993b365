package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a
// callback every reportInterval bytes, and once more at EOF so the
// final count is always delivered.
type Reader struct {
	reader         io.Reader
	total          int64
	read           int64
	sinceReport    int64
	reportInterval int64
	onProgress     func(read, total int64)
}

func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		reader:         r,
		total:          total,
		reportInterval: interval,
		onProgress:     cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval {
			pr.onProgress(pr.read, pr.total)
			pr.sinceReport = 0
		}
	}

	if err == io.EOF && pr.sinceReport > 0 {
		pr.onProgress(pr.read, pr.total)
		pr.sinceReport = 0
	}

	return n, err
}
