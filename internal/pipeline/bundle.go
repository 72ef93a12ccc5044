package pipeline

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/estimator"
)

const bundleVersion = 1

var (
	zenc, _ = zstd.NewWriter(nil)
	zdec, _ = zstd.NewReader(nil)
)

// header precedes the fitted state of each pipeline in a bundle.
type header struct {
	Task          dataset.Task     `msgpack:"task"`
	NumClasses    int              `msgpack:"num_classes"`
	Preprocessing string           `msgpack:"preprocessing"`
	PreParams     estimator.Params `msgpack:"pre_params"`
	Estimator     string           `msgpack:"estimator"`
	Params        estimator.Params `msgpack:"params"`
	OneVsRest     bool             `msgpack:"ovr"`
}

var (
	_ msgpack.CustomEncoder = (*Pipeline)(nil)
	_ msgpack.CustomDecoder = (*Pipeline)(nil)
)

func (p *Pipeline) EncodeMsgpack(enc *msgpack.Encoder) error {
	h := header{
		Task:          p.Task,
		NumClasses:    p.NumClasses,
		Preprocessing: p.Preprocessing,
		PreParams:     p.PreParams,
		Estimator:     p.Estimator,
		Params:        p.Params,
		OneVsRest:     p.OneVsRest(),
	}
	if err := enc.Encode(&h); err != nil {
		return err
	}
	if err := enc.Encode(p.pre); err != nil {
		return fmt.Errorf("encoding %s: %w", p.Preprocessing, err)
	}
	if err := enc.Encode(p.est); err != nil {
		return fmt.Errorf("encoding %s: %w", p.Estimator, err)
	}
	return nil
}

// DecodeMsgpack rebuilds the components through the registry with default
// params, then overwrites them with the stored fitted state.
func (p *Pipeline) DecodeMsgpack(dec *msgpack.Decoder) error {
	var h header
	if err := dec.Decode(&h); err != nil {
		return err
	}
	p.Task, p.NumClasses = h.Task, h.NumClasses
	p.Preprocessing, p.PreParams = h.Preprocessing, h.PreParams
	p.Estimator, p.Params = h.Estimator, h.Params

	ts, ok := estimator.LookupTransformer(h.Preprocessing)
	if !ok {
		return fmt.Errorf("bundle references unknown preprocessor %q", h.Preprocessing)
	}
	pre, err := ts.New(nil)
	if err != nil {
		return err
	}
	if err := dec.Decode(pre); err != nil {
		return fmt.Errorf("decoding %s: %w", h.Preprocessing, err)
	}

	var est estimator.Estimator
	if h.OneVsRest {
		est = &estimator.OneVsRest{}
	} else {
		es, ok := estimator.Lookup(h.Estimator)
		if !ok {
			return fmt.Errorf("bundle references unknown estimator %q", h.Estimator)
		}
		if est, err = es.New(nil, h.Task); err != nil {
			return err
		}
	}
	if err := dec.Decode(est); err != nil {
		return fmt.Errorf("decoding %s: %w", h.Estimator, err)
	}
	p.pre, p.est = pre, est
	return nil
}

type bundle struct {
	Version int         `msgpack:"version"`
	Models  []*Pipeline `msgpack:"models"`
}

// EncodeBundle serialises the fitted fold pipelines of one trial.
func EncodeBundle(models []*Pipeline) ([]byte, error) {
	raw, err := msgpack.Marshal(&bundle{Version: bundleVersion, Models: models})
	if err != nil {
		return nil, fmt.Errorf("encoding model bundle: %w", err)
	}
	return zenc.EncodeAll(raw, nil), nil
}

func DecodeBundle(b []byte) ([]*Pipeline, error) {
	raw, err := zdec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing model bundle: %w", err)
	}
	var out bundle
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding model bundle: %w", err)
	}
	if out.Version != bundleVersion {
		return nil, fmt.Errorf("model bundle version %d not supported", out.Version)
	}
	return out.Models, nil
}
