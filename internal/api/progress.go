package api

import "io"

// progressReader reports upload percentage as the request body is
// consumed. The callback sees 0-100, monotonically non-decreasing, and
// is only invoked when the percentage actually changes.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastPct  int
	callback func(percent int)
}

func newProgressReader(r io.Reader, total int64, callback func(int)) *progressReader {
	return &progressReader{r: r, total: total, lastPct: -1, callback: callback}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.report()
	}
	if err == io.EOF && p.total > 0 {
		p.forcePct(100)
	}
	return n, err
}

func (p *progressReader) report() {
	if p.total <= 0 || p.callback == nil {
		return
	}
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	p.forcePct(pct)
}

func (p *progressReader) forcePct(pct int) {
	if p.callback == nil || pct <= p.lastPct {
		return
	}
	p.lastPct = pct
	p.callback(pct)
}
