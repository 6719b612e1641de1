package encoder

import "github.com/scottbrown/splunkout/internal/event"

type jsonEncoder struct {
	cfg        Config
	formatTime TimeFormatter
}

func (e *jsonEncoder) Encode(entry event.Entry) ([]byte, error) {
	rec := promoteTime(entry, e.cfg, e.formatTime)
	return marshalLine(rec, e.cfg.LineBreaker)
}
