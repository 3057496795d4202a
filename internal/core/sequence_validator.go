package core

import (
	"fmt"
)

// SequenceValidator validates upstream source sequences per partition.
// Not thread-safe; only accessed from the single-threaded processor.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks strict source-sequence ordering for ledger
// commands. A gap or out-of-order delivery of a new command is an error:
// applying deposits or closes out of order corrupts round accounting.
// The first command seen for a partition sets its baseline; producers may
// start numbering at any offset.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected, tracked := sv.expectedNextSeq[partition]
	if !tracked {
		sv.expectedNextSeq[partition] = sourceSequence + 1
		return nil
	}

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed, expected on redelivery
			return nil
		}
		return fmt.Errorf("out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateValuationSequence validates valuation reports. Gaps are
// tolerated: a missed mark is simply superseded by the next one. Returns
// false for a stale report, which callers skip without error so the
// already-applied newer mark stands.
func (sv *SequenceValidator) ValidateValuationSequence(reportSequence int64) bool {
	const partition = "valuation"

	expected, tracked := sv.expectedNextSeq[partition]
	if tracked && reportSequence < expected {
		return false
	}

	sv.expectedNextSeq[partition] = reportSequence + 1
	return true
}

// GetExpectedSequence returns the next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes an expected sequence (recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of all partition sequence state.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
