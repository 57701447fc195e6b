package failover

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
)

// ErrCorruptEnvelope marks a stored event that no longer decodes.
var ErrCorruptEnvelope = errors.New("corrupt_envelope")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeEnvelope(e *eventdomain.AuditEvent) ([]byte, error) {
	b, err := encMode.Marshal(eventdomain.EnvelopeFrom(e))
	if err != nil {
		return nil, fmt.Errorf("encode pending write: %w", err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (*eventdomain.AuditEvent, error) {
	var env eventdomain.Envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEnvelope, err)
	}
	return env.Event(), nil
}
