// Package processor turns raw telephony records into persisted calls.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"call-sync-engine/internal/store"
)

var (
	// ErrValidation marks a record that is malformed or missing required fields.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence marks a record whose transaction failed.
	ErrPersistence = errors.New("persistence failed")
)

// Processor validates and persists one record at a time.
type Processor struct {
	tx       store.TxRunner
	validate *validator.Validate
}

func New(tx store.TxRunner) *Processor {
	return &Processor{
		tx:       tx,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Process transforms raw and writes the call, its contact and user, and its
// recordings in one transaction. It returns the call id.
func (p *Processor) Process(ctx context.Context, raw json.RawMessage) (string, error) {
	bundle, err := Transform(raw)
	if err != nil {
		return RecordID(raw), fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := p.validate.Struct(bundle); err != nil {
		return bundle.Call.CallID, fmt.Errorf("%w: %s", ErrValidation, describe(err))
	}

	err = p.tx.WithTx(ctx, func(w store.CallWriter) error {
		// parties first: the call row references them
		if bundle.Contact != nil {
			if err := w.UpsertContact(ctx, *bundle.Contact); err != nil {
				return err
			}
		}
		if bundle.Target != nil {
			if err := w.UpsertUser(ctx, *bundle.Target); err != nil {
				return err
			}
		}
		if err := w.UpsertCall(ctx, bundle.Call); err != nil {
			return err
		}
		for _, r := range bundle.Recordings {
			if err := w.UpsertRecording(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return bundle.Call.CallID, ctx.Err()
		}
		return bundle.Call.CallID, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return bundle.Call.CallID, nil
}

// describe flattens validator errors into one line, e.g. "Call.CallID is required".
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.StructNamespace(), "CallBundle.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
