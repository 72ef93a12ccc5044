package estimator

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalnine/hypertune/internal/dataset"
)

// OneVsRest fits one binary member per class and predicts the class whose
// member is most confident.
type OneVsRest struct {
	Tag     string
	Params  Params
	Classes []float64
	Members []SupportsMultWithOVR
}

func NewOneVsRest(tag string, p Params) (*OneVsRest, error) {
	spec, ok := Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("one-vs-rest: unknown estimator %q", tag)
	}
	probe, err := spec.New(p, dataset.Classification)
	if err != nil {
		return nil, err
	}
	if _, ok := probe.(SupportsMultWithOVR); !ok {
		return nil, fmt.Errorf("one-vs-rest: %s is not a binary classifier", tag)
	}
	return &OneVsRest{Tag: tag, Params: p}, nil
}

func (o *OneVsRest) newMember() (SupportsMultWithOVR, error) {
	spec, ok := Lookup(o.Tag)
	if !ok {
		return nil, fmt.Errorf("one-vs-rest: unknown estimator %q", o.Tag)
	}
	e, err := spec.New(o.Params, dataset.Classification)
	if err != nil {
		return nil, err
	}
	return e.(SupportsMultWithOVR), nil
}

func (o *OneVsRest) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("one-vs-rest", X, y); err != nil {
		return err
	}
	o.Classes = classesOf(y)
	o.Members = make([]SupportsMultWithOVR, len(o.Classes))
	bin := make([]float64, len(y))
	for ci, c := range o.Classes {
		for i, v := range y {
			bin[i] = 0
			if v == c {
				bin[i] = 1
			}
		}
		m, err := o.newMember()
		if err != nil {
			return err
		}
		if err := m.Fit(ctx, X, bin); err != nil {
			return fmt.Errorf("one-vs-rest class %v: %w", c, err)
		}
		o.Members[ci] = m
	}
	return nil
}

func (o *OneVsRest) Predict(X [][]float64) ([]float64, error) {
	if o.Members == nil {
		return nil, errNotFitted("one-vs-rest")
	}
	out := make([]float64, len(X))
	best := make([]float64, len(X))
	for ci, m := range o.Members {
		conf, err := m.DecisionFunction(X)
		if err != nil {
			return nil, err
		}
		for i, v := range conf {
			if ci == 0 || v > best[i] {
				best[i] = v
				out[i] = o.Classes[ci]
			}
		}
	}
	return out, nil
}

var (
	_ msgpack.CustomEncoder = (*OneVsRest)(nil)
	_ msgpack.CustomDecoder = (*OneVsRest)(nil)
)

// EncodeMsgpack writes the member tag, the classes and each fitted member.
// Members are concrete types, so decoding rebuilds them through the registry.
func (o *OneVsRest) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeString(o.Tag); err != nil {
		return err
	}
	if err := enc.Encode(o.Classes); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(o.Members)); err != nil {
		return err
	}
	for _, m := range o.Members {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func (o *OneVsRest) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, err := dec.DecodeString()
	if err != nil {
		return err
	}
	o.Tag = tag
	if err := dec.Decode(&o.Classes); err != nil {
		return err
	}
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}
	o.Members = make([]SupportsMultWithOVR, n)
	for i := range o.Members {
		m, err := o.newMember()
		if err != nil {
			return err
		}
		if err := dec.Decode(m); err != nil {
			return fmt.Errorf("decoding one-vs-rest member %d: %w", i, err)
		}
		o.Members[i] = m
	}
	return nil
}
