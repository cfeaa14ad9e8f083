package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/l0p7/guardpost/internal/domain"
)

// ErrMalformed reports a record that does not fit its class model.
var ErrMalformed = errors.New("resource: malformed record")

// Decode converts cached records into typed values. The record id is exposed
// to the decoder as the "id" field.
func Decode[T any](records []domain.Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var value T
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &value,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		})
		if err != nil {
			return nil, fmt.Errorf("resource: decoder: %w", err)
		}
		fields := make(map[string]any, len(rec.Data)+1)
		for k, v := range rec.Data {
			fields[k] = v
		}
		fields["id"] = rec.ID
		if err := decoder.Decode(fields); err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrMalformed, rec.ID, err)
		}
		out = append(out, value)
	}
	return out, nil
}

// DecodeClass decodes records into the model slice of class.
func DecodeClass(class domain.ResourceClass, records []domain.Record) (any, error) {
	switch class {
	case domain.ClassObjects:
		return Decode[domain.Object](records)
	case domain.ClassTasks:
		return Decode[domain.Task](records)
	case domain.ClassCurators:
		return Decode[domain.Curator](records)
	case domain.ClassInspectors:
		return Decode[domain.Inspector](records)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
}

// Typed is Get through the typed accessor of class.
func (c *Cache) Typed(ctx context.Context, class domain.ResourceClass) (any, error) {
	switch class {
	case domain.ClassObjects:
		return c.Objects(ctx)
	case domain.ClassTasks:
		return c.Tasks(ctx)
	case domain.ClassCurators:
		return c.Curators(ctx)
	case domain.ClassInspectors:
		return c.Inspectors(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
}

// Objects returns the cached objects as typed values.
func (c *Cache) Objects(ctx context.Context) ([]domain.Object, error) {
	return getAs[domain.Object](ctx, c, domain.ClassObjects)
}

// Tasks returns the cached tasks as typed values.
func (c *Cache) Tasks(ctx context.Context) ([]domain.Task, error) {
	return getAs[domain.Task](ctx, c, domain.ClassTasks)
}

// Curators returns the cached curators as typed values.
func (c *Cache) Curators(ctx context.Context) ([]domain.Curator, error) {
	return getAs[domain.Curator](ctx, c, domain.ClassCurators)
}

// Inspectors returns the cached inspectors as typed values.
func (c *Cache) Inspectors(ctx context.Context) ([]domain.Inspector, error) {
	return getAs[domain.Inspector](ctx, c, domain.ClassInspectors)
}

// getAs keeps a stale error alongside the decoded values so callers can warn
// and still render.
func getAs[T any](ctx context.Context, c *Cache, class domain.ResourceClass) ([]T, error) {
	records, err := c.Get(ctx, class)
	if records == nil && err != nil {
		return nil, err
	}
	values, decodeErr := Decode[T](records)
	if decodeErr != nil {
		return nil, decodeErr
	}
	return values, err
}
