package detector

import (
	"sync"

	"github.com/perfstream/anomalyd/errs"
)

// ModelStore is the server-side global model: it merges serialised increments
// from analysis ranks and returns the merged global state for the functions
// each increment touches. Safe for concurrent use by connection handlers.
type ModelStore struct {
	mu        sync.Mutex
	algorithm Algorithm
	maxBins   int
	sstd      sstdModel
	hist      histModel
}

// NewModelStore constructs an empty store for the given algorithm.
func NewModelStore(algorithm Algorithm, maxBins int) (*ModelStore, error) {
	switch algorithm {
	case AlgorithmSSTD, AlgorithmHBOS, AlgorithmCOPOD:
	default:
		return nil, errs.New("detector/store", errs.KindConfig,
			errs.WithMessage("invalid algorithm"),
			errs.WithField("algorithm", string(algorithm)))
	}
	return &ModelStore{
		algorithm: algorithm,
		maxBins:   maxBins,
		sstd:      make(sstdModel),
		hist:      make(histModel),
	}, nil
}

// Algorithm reports the store's variant.
func (s *ModelStore) Algorithm() Algorithm { return s.algorithm }

// MergeIncrement folds a serialised increment into the global model and
// returns the merged global entries for the functions present in the
// increment. An empty increment merges to an empty reply and leaves the
// model unchanged.
func (s *ModelStore) MergeIncrement(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.algorithm == AlgorithmSSTD {
		inc, err := unmarshalSSTDModel(payload)
		if err != nil {
			return nil, err
		}
		s.sstd.merge(inc)
		reply := make(sstdModel, len(inc))
		for fid := range inc {
			merged := *s.sstd[fid]
			reply[fid] = &merged
		}
		return marshalSSTDModel(reply)
	}

	inc, err := unmarshalHistModel(s.algorithm, payload)
	if err != nil {
		return nil, err
	}
	s.hist.merge(inc, s.maxBins)
	reply := make(histModel, len(inc))
	for fid := range inc {
		merged := *s.hist[fid]
		reply[fid] = &merged
	}
	return marshalHistModel(s.algorithm, reply)
}

// Snapshot serialises the whole global model.
func (s *ModelStore) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.algorithm == AlgorithmSSTD {
		return marshalSSTDModel(s.sstd)
	}
	return marshalHistModel(s.algorithm, s.hist)
}

// NumFunctions reports how many functions the model covers.
func (s *ModelStore) NumFunctions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.algorithm == AlgorithmSSTD {
		return len(s.sstd)
	}
	return len(s.hist)
}
