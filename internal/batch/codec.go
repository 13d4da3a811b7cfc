package batch

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"monitorflux/internal/model"
)

// ErrSerialization marks a batch that cannot be encoded. Such a batch is
// dropped; resending the same bytes cannot succeed.
var ErrSerialization = errors.New("batch serialization failed")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same batch always yields the same
	// bytes, which keeps compression output stable across retries.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("batch: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("batch: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireSample struct {
	Name string            `cbor:"1,keyasint"`
	Kind string            `cbor:"2,keyasint"`
	Num  *float64          `cbor:"3,keyasint,omitempty"`
	Text *string           `cbor:"4,keyasint,omitempty"`
	Tags map[string]string `cbor:"5,keyasint,omitempty"`
	TS   int64             `cbor:"6,keyasint"`
}

type wireBatch struct {
	Samples []wireSample `cbor:"1,keyasint"`
}

func toWire(s model.Sample) wireSample {
	w := wireSample{Name: s.Name(), Kind: string(s.Kind()), Tags: s.Tags()}
	v := s.Value()
	if v.IsText() {
		text := v.String()
		w.Text = &text
	} else {
		num := v.Float()
		w.Num = &num
	}
	if ts := s.Timestamp(); !ts.IsZero() {
		w.TS = ts.UnixNano()
	}
	return w
}

func fromWire(w wireSample) model.Sample {
	var v model.Value
	switch {
	case w.Text != nil:
		v = model.Text(*w.Text)
	case w.Num != nil:
		v = model.Number(*w.Num)
	}
	var ts time.Time
	if w.TS != 0 {
		ts = time.Unix(0, w.TS).UTC()
	}
	return model.NewSample(w.Name, model.SampleKind(w.Kind), v, w.Tags, ts)
}

func validate(s model.Sample) error {
	if s.Name() == "" {
		return errors.New("empty sample name")
	}
	if !utf8.ValidString(s.Name()) {
		return fmt.Errorf("sample name %q is not valid UTF-8", s.Name())
	}
	if v := s.Value(); v.IsText() && !utf8.ValidString(v.String()) {
		return fmt.Errorf("sample %q: text value is not valid UTF-8", s.Name())
	}
	for k, v := range s.Tags() {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return fmt.Errorf("sample %q: tag %q is not valid UTF-8", s.Name(), k)
		}
	}
	return nil
}

// Encode serializes b. Any failure wraps ErrSerialization.
func Encode(b model.Batch) ([]byte, error) {
	wb := wireBatch{Samples: make([]wireSample, 0, len(b.Samples))}
	for i, s := range b.Samples {
		if err := validate(s); err != nil {
			return nil, fmt.Errorf("%w: sample %d: %v", ErrSerialization, i, err)
		}
		wb.Samples = append(wb.Samples, toWire(s))
	}
	out, err := encMode.Marshal(wb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (model.Batch, error) {
	var wb wireBatch
	if err := decMode.Unmarshal(data, &wb); err != nil {
		return model.Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	out := model.Batch{Samples: make([]model.Sample, 0, len(wb.Samples)), Bytes: len(data)}
	for _, w := range wb.Samples {
		out.Samples = append(out.Samples, fromWire(w))
	}
	return out, nil
}

// SampleSize is the encoded size of s inside a batch.
func SampleSize(s model.Sample) int {
	out, err := encMode.Marshal(toWire(s))
	if err != nil {
		n := len(s.Name()) + 24
		for k, v := range s.Tags() {
			n += len(k) + len(v) + 2
		}
		return n
	}
	return len(out)
}
