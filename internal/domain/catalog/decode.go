package catalog

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/okian/photdb/internal/domain/model"
)

// Batch is one exposure and its detections, the unit accepted by the ingest
// command and the HTTP API.
type Batch struct {
	Exposure ExposureInput `json:"exposure" yaml:"exposure"`
	Rows     []Row         `json:"rows" yaml:"rows"`
}

// DecodeBatch reads a batch document. JSON is accepted as a subset of YAML.
// Unknown keys are rejected.
func DecodeBatch(r io.Reader) (Batch, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Batch{}, fmt.Errorf("read batch: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return Batch{}, model.WrapKind("catalog.decode_batch", model.ErrMalformedInput, fmt.Errorf("empty document"))
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var b Batch
	if err := dec.Decode(&b); err != nil {
		return Batch{}, model.WrapKind("catalog.decode_batch", model.ErrMalformedInput, err)
	}
	return b, nil
}
